package mux

import "sync"

// routingTable maps connection ids to the stream inbound frames are delivered
// to. Every method takes the lock for exactly one operation.
type routingTable struct {
	mu     sync.Mutex
	routes map[uint64]*Stream
}

func newRoutingTable() *routingTable {
	return &routingTable{routes: make(map[uint64]*Stream)}
}

// insert adds s under id. It reports false, leaving the table unchanged, if id
// is already routed.
func (t *routingTable) insert(id uint64, s *Stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[id]; ok {
		return false
	}
	t.routes[id] = s
	return true
}

func (t *routingTable) lookup(id uint64) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.routes[id]
	return s, ok
}

// remove deletes the entry for id only if it still points at s, so a late
// teardown can't evict a newer stream that reused the id.
func (t *routingTable) remove(id uint64, s *Stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.routes[id]; !ok || cur != s {
		return false
	}
	delete(t.routes, id)
	return true
}

// drain empties the table and returns the streams it held.
func (t *routingTable) drain() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stream, 0, len(t.routes))
	for id, s := range t.routes {
		out = append(out, s)
		delete(t.routes, id)
	}
	return out
}

func (t *routingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}
