package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/die-net/linkproxy/internal/dialer"
	"github.com/die-net/linkproxy/internal/proxy"
)

// ErrNoOriginalDst is returned when a connection carries no recoverable
// original destination.
var ErrNoOriginalDst = errors.New("original destination unavailable")

// Server relays redirected connections to their original destination.
type Server struct {
	dialer dialer.Dialer
	log    hclog.Logger
}

func NewServer(d dialer.Dialer, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{dialer: d, log: logger.Named("tproxy")}
}

// Serve handles connections from ln until ctx is done or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr())
	return proxy.Serve(ctx, ln, s.log, func(ctx context.Context, c net.Conn) {
		metrics.IncrCounter([]string{"proxy", "tproxy", "accepted"}, 1)
		if err := s.handle(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("connection failed", "remote", c.RemoteAddr(), "error", err)
		}
	})
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	dst, err := OriginalDst(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	up, err := s.dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := proxy.Relay(ctx, conn, up); err != nil {
		return fmt.Errorf("relay %s: %w", dst, err)
	}
	return nil
}

// tcpConn unwraps listener decorations down to the accepted socket.
func tcpConn(c net.Conn) (*net.TCPConn, bool) {
	for {
		switch v := c.(type) {
		case *net.TCPConn:
			return v, true
		case interface{ NetConn() net.Conn }:
			c = v.NetConn()
		default:
			return nil, false
		}
	}
}

// localDst reports the accepted socket's local address, which is the
// original destination when the redirect preserved it.
func localDst(c net.Conn) (*net.TCPAddr, error) {
	tc, ok := tcpConn(c)
	if !ok {
		return nil, fmt.Errorf("%w: not a TCP connection", ErrNoOriginalDst)
	}
	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, ErrNoOriginalDst
	}
	return addr, nil
}
