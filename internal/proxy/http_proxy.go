package proxy

import (
	"context"
	"errors"
	"net"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// HTTPProxyServer serves browser-style HTTP proxy clients, CONNECT included.
//
// Without an Opener every connection is negotiated here and relayed to the
// dialed target. With an Opener each connection is relayed unparsed into a
// new stream and the far side of the link negotiates it.
type HTTPProxyServer struct {
	cfg Config
	log hclog.Logger
	neg *Negotiator
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
func NewHTTPProxyServer(cfg Config) *HTTPProxyServer {
	log := cfg.logger().Named("http")
	return &HTTPProxyServer{
		cfg: cfg,
		log: log,
		neg: &Negotiator{Dialer: cfg.Dialer, Timeout: cfg.NegotiationTimeout, Logger: log},
	}
}

// Serve handles connections from ln until ctx is done or ln fails, then
// waits for in-flight connections to finish.
func (s *HTTPProxyServer) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr(), "multiplexed", s.cfg.Opener != nil)
	return Serve(ctx, ln, s.log, s.handle)
}

func (s *HTTPProxyServer) handle(ctx context.Context, c net.Conn) {
	metrics.IncrCounter([]string{"proxy", "http", "accepted"}, 1)

	if s.cfg.Opener == nil {
		_ = s.neg.Serve(ctx, c)
		return
	}

	st, err := s.cfg.Opener.Open(ctx)
	if err != nil {
		_ = c.Close()
		s.log.Warn("cannot open link stream", "remote", c.RemoteAddr(), "error", err)
		return
	}
	if err := Relay(ctx, c, st); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("relay ended", "remote", c.RemoteAddr(), "error", err)
	}
}
