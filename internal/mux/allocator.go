package mux

import (
	"errors"
	"sync"
)

// DefaultMaxStreams is the size of the connection id space when none is
// configured.
const DefaultMaxStreams = 1000

// ErrIDSpaceExhausted is returned by Allocate when every id is in use.
var ErrIDSpaceExhausted = errors.New("connection id space exhausted")

// Allocator hands out connection ids from [0, size). It advances a counter
// that wraps at size and skips ids still held, so an id is never issued twice
// before it has been released.
type Allocator struct {
	mu   sync.Mutex
	next uint64
	size uint64
	used map[uint64]struct{}
}

// NewAllocator returns an Allocator over [0, size). A non-positive size
// selects DefaultMaxStreams.
func NewAllocator(size int) *Allocator {
	if size <= 0 {
		size = DefaultMaxStreams
	}
	return &Allocator{
		size: uint64(size),
		used: make(map[uint64]struct{}, size),
	}
}

// Allocate returns an id not currently in use.
func (a *Allocator) Allocate() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(len(a.used)) >= a.size {
		return 0, ErrIDSpaceExhausted
	}
	for {
		id := a.next
		a.next++
		if a.next == a.size {
			a.next = 0
		}
		if _, ok := a.used[id]; !ok {
			a.used[id] = struct{}{}
			return id, nil
		}
	}
}

// Release returns id to the pool. Releasing an id that is not held is a
// no-op.
func (a *Allocator) Release(id uint64) {
	a.mu.Lock()
	delete(a.used, id)
	a.mu.Unlock()
}

// InUse reports how many ids are currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
