package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	connlimit "github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
)

// ListenConfig describes an ingress listening socket.
type ListenConfig struct {
	KeepAlive net.KeepAliveConfig
	// MaxConnsPerClient limits concurrent connections from one client IP.
	// Zero means unlimited.
	MaxConnsPerClient int
	Logger            hclog.Logger
}

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies cfg to accepted TCP connections.
func ListenTCP(ctx context.Context, network, addr string, cfg ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return WrapListener(ln, cfg), nil
}

// WrapListener applies keepalive and the per-client limit to ln.
func WrapListener(ln net.Listener, cfg ListenConfig) net.Listener {
	ln = &KeepAliveListener{Listener: ln, KeepAliveConfig: cfg.KeepAlive}
	if cfg.MaxConnsPerClient > 0 {
		log := cfg.Logger
		if log == nil {
			log = hclog.NewNullLogger()
		}
		ln = &limitListener{
			Listener: ln,
			limiter:  connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: cfg.MaxConnsPerClient}),
			log:      log,
		}
	}
	return ln
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}

// limitListener drops connections from clients already at their limit.
type limitListener struct {
	net.Listener
	limiter *connlimit.Limiter
	log     hclog.Logger
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		free, err := l.limiter.Accept(conn)
		if err != nil {
			metrics.IncrCounter([]string{"proxy", "conns", "rejected"}, 1)
			l.log.Debug("rejecting connection", "remote", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			continue
		}
		return &limitedConn{Conn: conn, free: free}, nil
	}
}

// limitedConn returns its slot to the limiter on first Close.
type limitedConn struct {
	net.Conn
	free func()
	once sync.Once
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.free)
	return err
}

// NetConn returns the accepted connection.
func (c *limitedConn) NetConn() net.Conn {
	return c.Conn
}

func (c *limitedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Serve accepts connections from ln and runs handle on each in its own
// goroutine until ctx is done or ln fails. It waits for handlers to return.
func Serve(ctx context.Context, ln net.Listener, log hclog.Logger, handle func(context.Context, net.Conn)) error {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				log.Warn("accept error, retrying", "delay", delay, "error", err)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		wg.Go(func() { handle(ctx, c) })
	}
}
