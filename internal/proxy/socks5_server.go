package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/die-net/linkproxy/internal/socks5"
)

// SOCKS5Server serves no-auth SOCKS5 CONNECT requests, dialing each target
// through Config.Dialer.
type SOCKS5Server struct {
	cfg Config
	log hclog.Logger
}

func NewSOCKS5Server(cfg Config) *SOCKS5Server {
	return &SOCKS5Server{cfg: cfg, log: cfg.logger().Named("socks5")}
}

// Serve handles connections from ln until ctx is done or ln fails.
func (s *SOCKS5Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr())
	return Serve(ctx, ln, s.log, s.handle)
}

func (s *SOCKS5Server) handle(ctx context.Context, conn net.Conn) {
	metrics.IncrCounter([]string{"proxy", "socks5", "accepted"}, 1)

	up, target, err := s.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		s.log.Debug("socks5 handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	s.log.Debug("relaying", "target", target)
	if err := Relay(ctx, conn, up); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("relay ended", "target", target, "error", err)
	}
}

func (s *SOCKS5Server) handshake(ctx context.Context, conn net.Conn) (net.Conn, string, error) {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	req, err := socks5.Accept(conn, socks5.Auth{})
	if err != nil {
		return nil, "", err
	}
	if !req.IsConnect() {
		req.Unsupported(conn)
		return nil, "", fmt.Errorf("unsupported command %#x", req.Cmd)
	}

	target := req.Target
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		req.Refuse(conn)
		return nil, target, err
	}
	if err := req.Succeed(conn, up.LocalAddr()); err != nil {
		_ = up.Close()
		return nil, target, err
	}

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return up, target, nil
}
