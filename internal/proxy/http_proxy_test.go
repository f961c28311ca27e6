package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/linkproxy/internal/dialer"
	"github.com/die-net/linkproxy/internal/mux"
	"github.com/die-net/linkproxy/internal/testutil"
)

func startHTTPProxy(t *testing.T, ctx context.Context, cfg Config) net.Addr {
	t.Helper()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", ListenConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- NewHTTPProxyServer(cfg).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr()
}

func connectThrough(t *testing.T, proxyAddr net.Addr, target string) (net.Conn, *bufio.Reader) {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return c, br
}

func TestHTTPProxyConnectDirect(t *testing.T) {
	ctx := testContext(t)
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	addr := startHTTPProxy(t, ctx, Config{
		NegotiationTimeout: 2 * time.Second,
		Dialer:             dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
	})

	c, br := connectThrough(t, addr, echoLn.Addr().String())
	testutil.AssertEcho(t, c, br, []byte("hello"))
}

func TestHTTPProxyPlainDirect(t *testing.T) {
	ctx := testContext(t)

	origin := http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "path="+r.URL.Path)
		}),
		ReadHeaderTimeout: time.Second,
	}
	originLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = origin.Serve(originLn) }()
	defer origin.Close()

	addr := startHTTPProxy(t, ctx, Config{
		Dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
	})

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	req, err := http.NewRequest(http.MethodGet, "http://"+originLn.Addr().String()+"/hello", nil)
	require.NoError(t, err)
	req.Close = true
	require.NoError(t, req.WriteProxy(c))

	resp, err := http.ReadResponse(bufio.NewReader(c), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "path=/hello", string(body))
}

func TestHTTPProxyMultiplexed(t *testing.T) {
	ctx := testContext(t)
	echoLn := testutil.StartEchoTCPServer(t, ctx)

	// Egress: accept streams and negotiate each one.
	t1, t2 := net.Pipe()
	ingressSess := mux.Client(t1, mux.Config{})
	egressSess := mux.Server(t2, mux.Config{})
	neg := &Negotiator{Dialer: dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})}

	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		for {
			st, err := egressSess.Accept(ctx)
			if err != nil {
				return
			}
			go func() { _ = neg.Serve(ctx, st) }()
		}
	}()
	defer func() {
		_ = ingressSess.Close()
		_ = egressSess.Close()
		<-egressDone
	}()

	addr := startHTTPProxy(t, ctx, Config{
		Opener: openerFunc(func(ctx context.Context) (net.Conn, error) {
			return ingressSess.Open(ctx)
		}),
	})

	c1, br1 := connectThrough(t, addr, echoLn.Addr().String())
	c2, br2 := connectThrough(t, addr, echoLn.Addr().String())
	testutil.AssertEcho(t, c1, br1, []byte("first"))
	testutil.AssertEcho(t, c2, br2, []byte("second"))
}

func TestHTTPProxyOpenFailureClosesClient(t *testing.T) {
	ctx := testContext(t)

	addr := startHTTPProxy(t, ctx, Config{
		Opener: openerFunc(func(context.Context) (net.Conn, error) {
			return nil, mux.ErrIDSpaceExhausted
		}),
	})

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, got)
}
