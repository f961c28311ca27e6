package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/die-net/linkproxy/internal/frame"
)

var (
	// ErrSessionClosed is the error reported once Close has been called.
	ErrSessionClosed = errors.New("mux session closed")

	// ErrUnroutableFrame describes a frame whose id has no routing entry.
	// Such frames are dropped and counted; they never fail the session.
	ErrUnroutableFrame = errors.New("unroutable frame")

	errNotClient = errors.New("mux: Open on a server session")
)

// Config tunes a Session. The zero value is usable.
type Config struct {
	// MaxStreams bounds the connection id space of a client session.
	MaxStreams int

	// SendQueue is the number of frames buffered between streams and the
	// writer.
	SendQueue int

	// RecvQueue is the number of payloads buffered per stream before the
	// reader blocks.
	RecvQueue int

	// AcceptBacklog is the number of remotely opened streams waiting for
	// Accept before the reader blocks.
	AcceptBacklog int

	Logger hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.RecvQueue <= 0 {
		c.RecvQueue = 32
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = 128
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

type outFrame struct {
	id      uint64
	payload []byte
}

// Session multiplexes streams over one transport. A single writer goroutine
// serializes queued frames onto the transport in FIFO order and a single
// reader goroutine demultiplexes inbound frames through the routing table.
type Session struct {
	conn   io.ReadWriteCloser
	cfg    Config
	log    hclog.Logger
	client bool

	ids      *Allocator
	routes   *routingTable
	sendCh   chan outFrame
	acceptCh chan *Stream

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	closeErr  error
	wg        sync.WaitGroup

	unroutable atomic.Uint64
}

// Client starts a session on the side that opens streams and allocates their
// ids.
func Client(conn io.ReadWriteCloser, cfg Config) *Session {
	return newSession(conn, cfg, true)
}

// Server starts a session on the side that accepts streams. A stream is
// created the first time a non-empty frame arrives for an unrouted id.
func Server(conn io.ReadWriteCloser, cfg Config) *Session {
	return newSession(conn, cfg, false)
}

func newSession(conn io.ReadWriteCloser, cfg Config, client bool) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.Logger,
		client:   client,
		routes:   newRoutingTable(),
		sendCh:   make(chan outFrame, cfg.SendQueue),
		acceptCh: make(chan *Stream, cfg.AcceptBacklog),
		done:     make(chan struct{}),
	}
	if client {
		s.ids = NewAllocator(cfg.MaxStreams)
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Open allocates an id and registers a new stream. Nothing is sent until the
// stream is first written to.
func (s *Session) Open(ctx context.Context) (*Stream, error) {
	if !s.client {
		return nil, errNotClient
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return nil, s.Err()
	default:
	}

	id, err := s.ids.Allocate()
	if err != nil {
		return nil, err
	}
	st := newStream(s, id)
	if !s.routes.insert(id, st) {
		return nil, fmt.Errorf("connection id %d already routed", id)
	}

	// shutdown may have drained the table just before the insert.
	select {
	case <-s.done:
		st.teardown()
		return nil, s.Err()
	default:
	}

	metrics.IncrCounter([]string{"mux", "streams", "opened"}, 1)
	s.updateGauge()
	return st, nil
}

// Accept waits for the peer to open a stream.
func (s *Session) Accept(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.Err()
	}
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session shut down, or nil while it is running.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// NumStreams returns the number of routed streams.
func (s *Session) NumStreams() int {
	return s.routes.len()
}

// Unroutable returns how many inbound frames were dropped for lack of a
// routing entry.
func (s *Session) Unroutable() uint64 {
	return s.unroutable.Load()
}

// Close shuts the session down, closes the transport and every stream on it,
// and waits for the reader and writer to exit.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	s.wg.Wait()

	var result *multierror.Error
	if s.closeErr != nil {
		result = multierror.Append(result, s.closeErr)
	}
	if err := s.Err(); err != nil && !errors.Is(err, ErrSessionClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		close(s.done)

		if err := s.conn.Close(); err != nil {
			s.closeErr = fmt.Errorf("close transport: %w", err)
		}

		streams := s.routes.drain()
		for _, st := range streams {
			if st.markReleased() && s.ids != nil {
				s.ids.Release(st.id)
			}
		}
		s.updateGauge()

		if !errors.Is(cause, ErrSessionClosed) {
			metrics.IncrCounter([]string{"mux", "session", "failed"}, 1)
			s.log.Warn("link session failed", "error", cause, "streams", len(streams))
		}
	})
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	buf := make([]byte, frame.Size)
	for {
		select {
		case f := <-s.sendCh:
			if err := frame.EncodeTo(buf, f.id, f.payload); err != nil {
				s.shutdown(fmt.Errorf("encode frame for %d: %w", f.id, err))
				return
			}
			if _, err := s.conn.Write(buf); err != nil {
				s.shutdown(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, frame.Size)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			// A transport closing under live streams is never a clean EOF
			// for them.
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.shutdown(fmt.Errorf("read frame: %w", err))
			return
		}
		f, err := frame.Decode(buf)
		if err != nil {
			s.shutdown(err)
			return
		}
		s.route(f)
	}
}

// route hands one decoded frame to its stream. f.Payload aliases the read
// buffer, so data is copied before delivery.
func (s *Session) route(f frame.Frame) {
	st, ok := s.routes.lookup(f.ID)
	if !ok {
		if s.client || len(f.Payload) == 0 {
			s.dropUnroutable(f)
			return
		}
		if st = s.acceptStream(f.ID); st == nil {
			return
		}
	}

	if len(f.Payload) == 0 {
		st.receiveEOF()
		return
	}
	st.deliver(append([]byte(nil), f.Payload...))
}

func (s *Session) acceptStream(id uint64) *Stream {
	st := newStream(s, id)
	if !s.routes.insert(id, st) {
		return nil
	}
	s.updateGauge()
	select {
	case s.acceptCh <- st:
		metrics.IncrCounter([]string{"mux", "streams", "accepted"}, 1)
		return st
	case <-s.done:
		return nil
	}
}

func (s *Session) dropUnroutable(f frame.Frame) {
	s.unroutable.Add(1)
	metrics.IncrCounter([]string{"mux", "frames", "unroutable"}, 1)
	s.log.Debug("dropping frame", "id", f.ID, "length", len(f.Payload), "error", ErrUnroutableFrame)
}

// enqueue hands a frame to the writer. abort, when non-nil, cancels the wait.
// A dead session, an aborted stream or an expired deadline fails the call even
// when the queue has room.
func (s *Session) enqueue(f outFrame, abort <-chan struct{}, timeout <-chan struct{}) error {
	select {
	case <-s.done:
		return s.Err()
	case <-abort:
		return errStreamClosed
	case <-timeout:
		return errDeadline
	default:
	}

	select {
	case s.sendCh <- f:
		return nil
	case <-s.done:
		return s.Err()
	case <-abort:
		return errStreamClosed
	case <-timeout:
		return errDeadline
	}
}

func (s *Session) updateGauge() {
	metrics.SetGauge([]string{"mux", "streams", "live"}, float32(s.routes.len()))
}
