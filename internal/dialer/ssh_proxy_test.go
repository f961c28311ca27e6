package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/linkproxy/internal/testutil"
)

func TestSSHProxyDialerDialContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn1 := testutil.StartEchoTCPServer(t, ctx)
	echoLn2 := testutil.StartEchoTCPServer(t, ctx)
	sshLn := testutil.StartSSHServer(t, "user", "pass")

	d, err := NewSSHProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, sshLn.Addr().String(), "user", "pass")
	require.NoError(t, err)
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn1.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	require.NoError(t, c1.Close())

	// Second channel reuses the transport.
	c2, err := d.DialContext(ctx, "tcp", echoLn2.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))
	require.NoError(t, c2.Close())
}

func TestSSHProxyDialerBadPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn := testutil.StartSSHServer(t, "user", "pass")

	d, err := NewSSHProxyDialer(Config{DialTimeout: 2 * time.Second}, sshLn.Addr().String(), "user", "wrong")
	require.NoError(t, err)
	defer d.Close()

	_, err = d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestSSHProxyDialerTargetUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn := testutil.StartSSHServer(t, "user", "pass")

	d, err := NewSSHProxyDialer(Config{DialTimeout: 2 * time.Second}, sshLn.Addr().String(), "user", "pass")
	require.NoError(t, err)
	defer d.Close()

	_, err = d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
}
