package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrNoAcceptableMethod means the client offered no method we accept.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable auth method")
	ErrAuthFailed         = errors.New("socks5: authentication failed")
)

// methodNoAcceptable is the RFC 1928 "no acceptable methods" reply.
const methodNoAcceptable = 0xff

// Auth is a username/password pair. The zero value means no authentication.
type Auth struct {
	Username string
	Password string
}

// Request is a client request read by Accept.
type Request struct {
	Cmd byte
	// Target is the requested destination as host:port.
	Target string

	atyp byte
}

// IsConnect reports whether the client asked for CONNECT.
func (r *Request) IsConnect() bool {
	return r.Cmd == txsocks5.CmdConnect
}

// Accept runs the server side of the method exchange on conn, requiring
// auth when it is set, and reads the request that follows.
func Accept(conn net.Conn, auth Auth) (*Request, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("read methods: %w", err)
	}

	want := byte(txsocks5.MethodNone)
	if auth.Username != "" {
		want = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		_, _ = txsocks5.NewNegotiationReply(methodNoAcceptable).WriteTo(conn)
		return nil, ErrNoAcceptableMethod
	}
	if _, err := txsocks5.NewNegotiationReply(want).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("write method: %w", err)
	}
	if want == txsocks5.MethodUsernamePassword {
		if err := checkUserPass(conn, auth); err != nil {
			return nil, err
		}
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return &Request{Cmd: req.Cmd, Target: req.Address(), atyp: req.Atyp}, nil
}

func checkUserPass(conn net.Conn, auth Auth) error {
	up, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}

	status := byte(txsocks5.UserPassStatusSuccess)
	if string(up.Uname) != auth.Username || string(up.Passwd) != auth.Password {
		status = txsocks5.UserPassStatusFailure
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(status).WriteTo(conn); err != nil {
		return fmt.Errorf("write auth status: %w", err)
	}
	if status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

// Refuse answers the request with "connection refused".
func (r *Request) Refuse(conn net.Conn) {
	_, _ = r.zeroReply(txsocks5.RepConnectionRefused).WriteTo(conn)
}

// Unsupported answers the request with "command not supported".
func (r *Request) Unsupported(conn net.Conn) {
	_, _ = r.zeroReply(txsocks5.RepCommandNotSupported).WriteTo(conn)
}

// Succeed answers the request with success and bound as the bound address.
// Addresses that are not TCP, such as a link stream, go out as 0.0.0.0:0.
func (r *Request) Succeed(conn net.Conn, bound net.Addr) error {
	rep := (&Request{atyp: txsocks5.ATYPIPv4}).zeroReply(txsocks5.RepSuccess)
	if tcp, ok := bound.(*net.TCPAddr); ok {
		atyp, host, port, err := txsocks5.ParseAddress(tcp.String())
		if err != nil {
			return fmt.Errorf("bound address %s: %w", tcp, err)
		}
		rep = txsocks5.NewReply(txsocks5.RepSuccess, atyp, host, port)
	}

	if _, err := rep.WriteTo(conn); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (r *Request) zeroReply(code byte) *txsocks5.Reply {
	if r.atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(code, txsocks5.ATYPIPv6, net.IPv6zero, []byte{0, 0})
	}
	return txsocks5.NewReply(code, txsocks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0, 0})
}
