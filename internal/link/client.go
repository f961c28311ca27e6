package link

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/linkproxy/internal/mux"
)

// ErrClientClosed is returned by Open after Close.
var ErrClientClosed = errors.New("link client closed")

type ClientConfig struct {
	// Addr is the egress link address.
	Addr        string
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
	Mux         mux.Config
	Logger      hclog.Logger
}

// Client holds the ingress end of a link. The transport is dialed on the
// first Open and again on the first Open after the session died; it is never
// redialed in the background.
type Client struct {
	addr *url.URL
	cfg  ClientConfig
	log  hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sess   *mux.Session
	closed bool
	sf     singleflight.Group
}

func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := ParseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	log := cfg.Logger.Named("link")
	cfg.Mux.Logger = log

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{addr: u, cfg: cfg, log: log, ctx: ctx, cancel: cancel}, nil
}

// Open opens a stream to the egress. A session found dead while opening is
// replaced once.
func (c *Client) Open(ctx context.Context) (net.Conn, error) {
	for attempt := 0; ; attempt++ {
		sess, err := c.session(ctx)
		if err != nil {
			return nil, err
		}

		st, err := sess.Open(ctx)
		if err == nil {
			return st, nil
		}
		select {
		case <-sess.Done():
			if attempt == 0 {
				continue
			}
		default:
		}
		return nil, err
	}
}

// Session returns the live session, if any.
func (c *Client) Session() *mux.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Close closes the current session and stops future dials.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		return sess.Close()
	}
	return nil
}

func (c *Client) session(ctx context.Context) (*mux.Session, error) {
	c.mu.Lock()
	sess, closed := c.sess, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	if sess != nil && !isDone(sess) {
		return sess, nil
	}

	ch := c.sf.DoChan("dial", func() (any, error) {
		c.mu.Lock()
		if c.sess != nil && !isDone(c.sess) {
			s := c.sess
			c.mu.Unlock()
			return s, nil
		}
		c.mu.Unlock()

		return c.dial()
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mux.Session), nil
	}
}

func (c *Client) dial() (*mux.Session, error) {
	metrics.IncrCounter([]string{"link", "dials"}, 1)

	conn, err := dialTransport(c.ctx, c.ctx, c.addr, c.cfg.DialTimeout, c.cfg.KeepAlive)
	if err != nil {
		c.log.Warn("link dial failed", "addr", c.addr.Redacted(), "error", err)
		return nil, err
	}
	sess := mux.Client(conn, c.cfg.Mux)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sess.Close()
		return nil, ErrClientClosed
	}
	c.sess = sess
	c.mu.Unlock()

	c.log.Info("link established", "addr", c.addr.Redacted())
	go c.watch(sess)
	return sess, nil
}

// watch forgets sess once it dies so the next Open redials.
func (c *Client) watch(sess *mux.Session) {
	<-sess.Done()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	c.log.Debug("link closed", "addr", c.addr.Redacted(), "unroutable", sess.Unroutable())
}

func isDone(sess *mux.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}
