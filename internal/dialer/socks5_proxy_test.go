package dialer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/linkproxy/internal/socks5"
	"github.com/die-net/linkproxy/internal/testutil"
)

// serveSOCKS5Connect handles one CONNECT on c and splices it to the target.
func serveSOCKS5Connect(c net.Conn, auth socks5.Auth) {
	req, err := socks5.Accept(c, auth)
	if err != nil {
		return
	}
	dst, err := net.Dial("tcp", req.Target)
	if err != nil {
		req.Refuse(c)
		return
	}
	defer dst.Close()
	if err := req.Succeed(c, dst.LocalAddr()); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.(*net.TCPConn).CloseWrite()
	}()
	_, _ = io.Copy(c, dst)
}

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		auth socks5.Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: socks5.Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				serveSOCKS5Connect(c, tt.auth)
			})

			d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), tt.auth.Username, tt.auth.Password)
			conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
			require.NoError(t, err)

			testutil.AssertEcho(t, conn, conn, []byte("hello"))
			require.NoError(t, conn.Close())
			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().String()
	require.NoError(t, ln.Close())

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		serveSOCKS5Connect(c, socks5.Auth{})
	})

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")
	_, err = d.DialContext(ctx, "tcp", closed)
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
	waitUp()
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	release := make(chan struct{})
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		<-release
	})
	defer waitUp()
	defer close(release)

	dialCtx, dialCancel := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, dialCancel)

	d := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")
	_, err := d.DialContext(dialCtx, "tcp", "127.0.0.1:1")
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
	require.ErrorIs(t, err, context.Canceled)
}
