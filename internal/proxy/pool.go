package proxy

import (
	"sync"

	"github.com/die-net/linkproxy/internal/frame"
)

// relayBuffers holds read buffers sized to one frame payload, so a relayed
// read on a stream never needs more than one frame.
var relayBuffers = newBufferPool(frame.Capacity)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}
