package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"nhooyr.io/websocket"

	"github.com/die-net/linkproxy/internal/mux"
	"github.com/die-net/linkproxy/internal/proxy"
)

type ServerConfig struct {
	// Addr is the link address to listen on.
	Addr   string
	Listen proxy.ListenConfig
	Mux    mux.Config
	Logger hclog.Logger
}

// Server is the egress end of a link. Every stream the peer opens is passed
// to the handler, which owns it from then on.
type Server struct {
	addr   *url.URL
	cfg    ServerConfig
	log    hclog.Logger
	handle func(context.Context, net.Conn)

	mu       sync.Mutex
	sessions map[*mux.Session]struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg ServerConfig, handle func(context.Context, net.Conn)) (*Server, error) {
	u, err := ParseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	log := cfg.Logger.Named("link")
	cfg.Mux.Logger = log
	if cfg.Listen.Logger == nil {
		cfg.Listen.Logger = log
	}

	return &Server{
		addr:     u,
		cfg:      cfg,
		log:      log,
		handle:   handle,
		sessions: make(map[*mux.Session]struct{}),
	}, nil
}

// Listen opens the listening socket for the configured address.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	return proxy.ListenTCP(ctx, "tcp", s.addr.Host, s.cfg.Listen)
}

// Serve accepts transports from ln until ctx is done or ln fails. Sessions
// still open when it returns are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", s.addr.Redacted())
	defer func() {
		_ = s.Close()
		s.wg.Wait()
	}()

	if s.addr.Scheme == schemeWS {
		return s.serveWebSocket(ctx, ln)
	}

	// Sessions outlive single requests, so a failing listener has to end
	// them before proxy.Serve can finish waiting on its handlers.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fl := &failListener{Listener: ln, fail: cancel}
	err := proxy.Serve(ctx, fl, s.log, func(ctx context.Context, c net.Conn) {
		s.serveSession(ctx, c, c.RemoteAddr())
	})
	if err == nil && fl.err != nil {
		err = fmt.Errorf("accept: %w", fl.err)
	}
	return err
}

// failListener cancels the serving context on a non-temporary accept error.
type failListener struct {
	net.Listener
	fail context.CancelFunc
	err  error
}

func (l *failListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			if l.err == nil {
				l.err = err
			}
			l.fail()
		}
	}
	return c, err
}

func (s *Server) serveWebSocket(ctx context.Context, ln net.Listener) error {
	h := http.NewServeMux()
	h.HandleFunc(s.addr.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.serveSession(ctx, websocket.NetConn(ctx, ws, websocket.MessageBinary), remoteAddr(r.RemoteAddr))
	})

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          s.log.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve link: %w", err)
}

// serveSession runs a server session on conn until it dies.
func (s *Server) serveSession(ctx context.Context, conn io.ReadWriteCloser, remote net.Addr) {
	sess := mux.Server(conn, s.cfg.Mux)
	if !s.track(sess) {
		_ = sess.Close()
		return
	}
	defer s.untrack(sess)

	metrics.IncrCounter([]string{"link", "sessions"}, 1)
	s.log.Info("link accepted", "remote", remote)

	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	var wg sync.WaitGroup
	for {
		st, err := sess.Accept(ctx)
		if err != nil {
			break
		}
		wg.Go(func() { s.handle(ctx, st) })
	}
	_ = sess.Close()
	wg.Wait()

	s.log.Info("link closed", "remote", remote, "unroutable", sess.Unroutable())
}

func (s *Server) track(sess *mux.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *mux.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// NumSessions reports the number of live sessions.
func (s *Server) NumSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close closes every live session. Sessions accepted afterwards are refused.
func (s *Server) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	var result error
	for sess := range sessions {
		if err := sess.Close(); err != nil && !errors.Is(err, mux.ErrSessionClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result
}

type remoteAddr string

func (a remoteAddr) Network() string { return "tcp" }
func (a remoteAddr) String() string  { return string(a) }
