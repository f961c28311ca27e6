package tproxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/linkproxy/internal/proxy"
)

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func TestOriginalDstUnredirected(t *testing.T) {
	if !IsSupported {
		t.Skip("transparent proxy unsupported on this platform")
	}

	ln, err := proxy.ListenTCP(context.Background(), "tcp", "127.0.0.1:0", proxy.ListenConfig{MaxConnsPerClient: 4})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	c, err := ln.Accept()
	require.NoError(t, err)
	defer c.Close()

	// Without a redirect the original destination is the listener itself,
	// found through the limiter's wrapper.
	dst, err := OriginalDst(c)
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), dst.String())
}

func TestOriginalDstNotTCP(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, err := OriginalDst(c1)
	require.Error(t, err)
}

func TestServerRelaysToOriginalDst(t *testing.T) {
	if !IsSupported {
		t.Skip("transparent proxy unsupported on this platform")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := proxy.ListenTCP(ctx, "tcp", "127.0.0.1:0", proxy.ListenConfig{})
	require.NoError(t, err)

	dialed := make(chan string, 1)
	srv := NewServer(dialerFunc(func(_ context.Context, _, address string) (net.Conn, error) {
		up, origin := net.Pipe()
		dialed <- address
		go func() {
			defer origin.Close()
			_, _ = io.WriteString(origin, "hi")
		}()
		return up, nil
	}), nil)

	serveCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(serveCtx, ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	got, err := io.ReadAll(io.LimitReader(c, 2))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
	assert.Equal(t, ln.Addr().String(), <-dialed)

	require.NoError(t, c.Close())
	stop()
	require.NoError(t, <-done)
}
