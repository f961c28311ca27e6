package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/linkproxy/internal/ssh"
)

// SSHProxyDialer opens one "direct-tcpip" channel per dial over a single
// shared SSH transport.
//
// The transport is dialed lazily. A channel failure that is not an
// OpenChannelError is taken to mean the transport died: it is discarded,
// redialed once, and the channel retried.
type SSHProxyDialer struct {
	sshAddr   string
	sshConfig internalssh.ClientConfig
	direct    Dialer
	log       hclog.Logger

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer constructs a dialer that forwards connections via the SSH
// server at sshAddr, authenticating with password, cfg.SSHKeyPath, or both.
// Host keys are checked against cfg.SSHKnownHostsPath.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	log := cfg.logger().Named("ssh")
	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, log)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	sshConfig := internalssh.ClientConfig{
		Username:         username,
		Password:         password,
		Signers:          signers,
		HostKeyCallback:  hostKeyCallback,
		Timeout:          cfg.DialTimeout,
		HandshakeTimeout: cfg.NegotiationTimeout,
	}
	if err := sshConfig.Validate(); err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr:   sshAddr,
		sshConfig: sshConfig,
		direct:    NewDirectDialer(cfg),
		log:       log,
	}, nil
}

// DialContext opens a proxied TCP connection to address. Cancelling ctx
// closes only the returned channel, never the shared transport.
func (d *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	conn, err := d.dialChannel(ctx, address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, unreachable(network, address, err)
		}

		d.log.Debug("ssh transport failed, reconnecting", "addr", d.sshAddr, "error", err)
		d.invalidateClient()
		if conn, err = d.dialChannel(ctx, address); err != nil {
			return nil, unreachable(network, address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return &sshChannelConn{Conn: conn, stop: stop}, nil
}

// Close tears down the shared transport.
func (d *SSHProxyDialer) Close() error {
	d.invalidateClient()
	return nil
}

func (d *SSHProxyDialer) dialChannel(ctx context.Context, address string) (net.Conn, error) {
	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.DialContext(ctx, "tcp", address)
}

// getClient returns the shared SSH client, dialing it if needed. Only one
// dial runs at a time; a caller whose ctx ends stops waiting while the dial
// continues for the others.
func (d *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		c, err := d.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.sshAddr)
	if err != nil {
		return nil, err
	}

	client, err := internalssh.NewClient(conn, d.sshConfig, d.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport %s: %w", d.sshAddr, err)
	}
	d.log.Debug("ssh transport established", "addr", d.sshAddr)
	return client, nil
}

func (d *SSHProxyDialer) invalidateClient() {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// sshChannelConn stops the ctx hook before closing the channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// CloseWrite sends EOF on the channel.
func (c *sshChannelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
