package socks5

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"
)

func TestConnectAccept(t *testing.T) {
	tests := []struct {
		name   string
		client Auth
		server Auth
		target string
	}{
		{name: "no_auth", target: "127.0.0.1:80"},
		{name: "user_pass", client: Auth{"user", "pass"}, server: Auth{"user", "pass"}, target: "example.com:443"},
		{name: "ipv6", target: "[::1]:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			reqc := make(chan *Request, 1)
			errc := make(chan error, 1)
			go func() {
				req, err := Accept(serverConn, tt.server)
				if err != nil {
					errc <- err
					return
				}
				reqc <- req
				errc <- req.Succeed(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			}()

			require.NoError(t, Connect(clientConn, tt.client, tt.target))
			require.NoError(t, <-errc)

			req := <-reqc
			assert.True(t, req.IsConnect())
			assert.Equal(t, tt.target, req.Target)
		})
	}
}

func TestAcceptWrongPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, Auth{"user", "pass"})
		errc <- err
	}()

	err := Connect(clientConn, Auth{"user", "wrong"}, "127.0.0.1:80")
	require.ErrorIs(t, err, ErrAuthFailed)
	require.ErrorIs(t, <-errc, ErrAuthFailed)
}

func TestAcceptRequiresAuth(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := Accept(serverConn, Auth{"user", "pass"})
		errc <- err
	}()

	err := Connect(clientConn, Auth{}, "127.0.0.1:80")
	require.ErrorIs(t, err, ErrNoAcceptableMethod)
	require.ErrorIs(t, <-errc, ErrNoAcceptableMethod)
}

func TestConnectRefused(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		req, err := Accept(serverConn, Auth{})
		if err == nil {
			req.Refuse(serverConn)
		}
	}()

	err := Connect(clientConn, Auth{}, "127.0.0.1:80")
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestSucceedNonTCPAddr(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errc := make(chan error, 1)
	go func() {
		req := &Request{Cmd: txsocks5.CmdConnect, atyp: txsocks5.ATYPIPv6}
		errc <- req.Succeed(serverConn, serverConn.LocalAddr())
	}()

	rep, err := txsocks5.NewReplyFrom(clientConn)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, txsocks5.RepSuccess, rep.Rep)
	assert.Equal(t, txsocks5.ATYPIPv4, rep.Atyp)
}

func TestUnsupportedMirrorsAddressType(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go (&Request{Cmd: txsocks5.CmdUDP, atyp: txsocks5.ATYPIPv6}).Unsupported(serverConn)

	rep, err := txsocks5.NewReplyFrom(clientConn)
	require.NoError(t, err)
	assert.Equal(t, txsocks5.RepCommandNotSupported, rep.Rep)
	assert.Equal(t, txsocks5.ATYPIPv6, rep.Atyp)
}
