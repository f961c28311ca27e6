package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrConnectFailed is returned when the server answers CONNECT with a
// non-success reply.
var ErrConnectFailed = errors.New("socks5 connect failed")

// Connect runs the client side of the handshake on conn and asks the server
// to CONNECT to address. conn carries the tunnel once it returns nil.
func Connect(conn net.Conn, auth Auth, address string) error {
	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		host = host[1:]
	}

	if err := selectMethod(conn, auth); err != nil {
		return err
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("%w: reply code %#x", ErrConnectFailed, rep.Rep)
	}
	return nil
}

func selectMethod(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write methods: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read method: %w", err)
	}
	switch {
	case neg.Method == txsocks5.MethodNone:
		return nil
	case neg.Method == txsocks5.MethodUsernamePassword && auth.Username != "":
	case neg.Method == methodNoAcceptable:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("socks5: unexpected method %#x", neg.Method)
	}

	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}
