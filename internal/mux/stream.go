package mux

import (
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/die-net/linkproxy/internal/frame"
)

var (
	errStreamClosed = net.ErrClosed
	errDeadline     = os.ErrDeadlineExceeded
)

// Stream is one logical connection on a Session. It implements net.Conn.
//
// A zero-length frame marks end of stream in one direction. Each side sends it
// once, from CloseWrite or Close. The routing entry is removed, and a client
// id released, once the stream is closed locally and the peer's marker has
// arrived.
type Stream struct {
	id   uint64
	sess *Session

	recv    chan []byte
	eof     chan struct{}
	closeCh chan struct{}

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex

	mu       sync.Mutex
	sentData bool
	finSent  bool
	finRecv  bool
	closed   bool
	released bool

	rd, wd deadline
}

func newStream(s *Session, id uint64) *Stream {
	return &Stream{
		id:      id,
		sess:    s,
		recv:    make(chan []byte, s.cfg.RecvQueue),
		eof:     make(chan struct{}),
		closeCh: make(chan struct{}),
		rd:      makeDeadline(),
		wd:      makeDeadline(),
	}
}

// ID returns the connection id carried by this stream's frames.
func (st *Stream) ID() uint64 {
	return st.id
}

// Read reads data delivered for this stream. It returns io.EOF after the
// peer's end-of-stream marker once all earlier data has been consumed.
func (st *Stream) Read(p []byte) (int, error) {
	st.readMu.Lock()
	defer st.readMu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if len(st.pending) == 0 {
		select {
		case b := <-st.recv:
			st.pending = b
		case <-st.eof:
			// Data delivered before the marker is already queued.
			select {
			case b := <-st.recv:
				st.pending = b
			default:
				return 0, io.EOF
			}
		case <-st.closeCh:
			return 0, errStreamClosed
		case <-st.sess.done:
			return 0, st.sess.Err()
		case <-st.rd.wait():
			return 0, errDeadline
		}
	}

	n := copy(p, st.pending)
	st.pending = st.pending[n:]
	return n, nil
}

// Write queues p for the peer, split into frames of at most frame.Capacity
// bytes. An empty p sends nothing.
func (st *Stream) Write(p []byte) (int, error) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	st.mu.Lock()
	if st.closed || st.finSent {
		st.mu.Unlock()
		return 0, errStreamClosed
	}
	st.mu.Unlock()

	var n int
	for len(p) > 0 {
		chunk := p[:min(len(p), frame.Capacity)]
		f := outFrame{id: st.id, payload: append([]byte(nil), chunk...)}
		if err := st.sess.enqueue(f, st.closeCh, st.wd.wait()); err != nil {
			return n, err
		}
		if n == 0 {
			// The peer learns of a client stream from its first queued frame.
			st.mu.Lock()
			st.sentData = true
			st.mu.Unlock()
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

// CloseWrite sends the end-of-stream marker. Reads remain possible.
func (st *Stream) CloseWrite() error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return errStreamClosed
	}
	return st.sendEOF()
}

// Close sends the end-of-stream marker if it has not been sent and stops
// local reads and writes. Data arriving afterwards is discarded until the
// peer's marker releases the stream.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	close(st.closeCh)
	st.mu.Unlock()

	// Taking writeMu orders the marker after any in-flight Write.
	st.writeMu.Lock()
	err := st.sendEOF()
	st.writeMu.Unlock()

	st.mu.Lock()
	done := st.finRecv
	st.mu.Unlock()
	if done {
		st.teardown()
	}
	return err
}

// sendEOF queues the end-of-stream marker once. Callers hold writeMu.
//
// A client stream that never sent data is unknown to the peer, so no marker
// is sent and the stream behaves as if the peer had closed too.
func (st *Stream) sendEOF() error {
	st.mu.Lock()
	if st.finSent {
		st.mu.Unlock()
		return nil
	}
	st.finSent = true
	unknown := st.sess.client && !st.sentData
	st.mu.Unlock()

	if unknown {
		st.receiveEOF()
		return nil
	}
	return st.sess.enqueue(outFrame{id: st.id}, nil, nil)
}

// deliver is called by the session reader only.
func (st *Stream) deliver(p []byte) {
	select {
	case st.recv <- p:
	case <-st.closeCh:
	case <-st.sess.done:
	}
}

func (st *Stream) receiveEOF() {
	st.mu.Lock()
	if st.finRecv {
		st.mu.Unlock()
		return
	}
	st.finRecv = true
	close(st.eof)
	done := st.closed
	st.mu.Unlock()

	if done {
		st.teardown()
	}
}

// teardown removes the routing entry and then releases the id.
func (st *Stream) teardown() {
	if !st.markReleased() {
		return
	}
	if st.sess.routes.remove(st.id, st) && st.sess.ids != nil {
		st.sess.ids.Release(st.id)
	}
	st.sess.updateGauge()
}

func (st *Stream) markReleased() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.released {
		return false
	}
	st.released = true
	return true
}

// LocalAddr returns the transport's local address when it has one.
func (st *Stream) LocalAddr() net.Addr {
	if c, ok := st.sess.conn.(interface{ LocalAddr() net.Addr }); ok {
		return c.LocalAddr()
	}
	return Addr{ID: st.id}
}

// RemoteAddr returns the transport's remote address when it has one.
func (st *Stream) RemoteAddr() net.Addr {
	if c, ok := st.sess.conn.(interface{ RemoteAddr() net.Addr }); ok {
		return c.RemoteAddr()
	}
	return Addr{ID: st.id}
}

func (st *Stream) SetDeadline(t time.Time) error {
	st.rd.set(t)
	st.wd.set(t)
	return nil
}

func (st *Stream) SetReadDeadline(t time.Time) error {
	st.rd.set(t)
	return nil
}

func (st *Stream) SetWriteDeadline(t time.Time) error {
	st.wd.set(t)
	return nil
}

// Addr identifies a stream when the transport has no network address.
type Addr struct {
	ID uint64
}

func (Addr) Network() string { return "mux" }

func (a Addr) String() string { return "mux:" + strconv.FormatUint(a.ID, 10) }
