package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strings"
)

// EstablishedResponse is written to a client once a CONNECT target is
// reachable.
const EstablishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"

// maxHeaderBytes bounds how much ReadRequest consumes looking for the end of
// the header block.
const maxHeaderBytes = 64 << 10

// ErrMalformedRequest is returned when the first bytes on a connection are
// not an HTTP request line and header block naming a reachable target.
var ErrMalformedRequest = errors.New("malformed request")

// Request is the bootstrap request read from a new connection.
type Request struct {
	Method string
	// Target is the request-target exactly as sent.
	Target string
	Proto  string
	Header textproto.MIMEHeader

	// Addr is the host:port to dial.
	Addr string

	// Raw holds every byte consumed from the connection, which may extend
	// past the header block if the client pipelined data.
	Raw []byte

	headerLen int
}

// IsConnect reports whether the request asks for an opaque tunnel.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// Excess returns the bytes consumed after the end of the header block.
func (r *Request) Excess() []byte {
	return r.Raw[r.headerLen:]
}

// ReadRequest reads a request line and header block from rd. It never
// consumes the request body except for what was already buffered, and
// retains every byte it read in Request.Raw.
func ReadRequest(rd io.Reader) (*Request, error) {
	var raw bytes.Buffer
	br := bufio.NewReader(io.TeeReader(io.LimitReader(rd, maxHeaderBytes), &raw))
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, readError("request line", err)
	}

	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	req.Header, err = tp.ReadMIMEHeader()
	if err != nil {
		return nil, readError("header", err)
	}

	req.Raw = raw.Bytes()
	req.headerLen = raw.Len() - br.Buffered()

	if req.Addr, err = targetAddr(req); err != nil {
		return nil, err
	}
	return req, nil
}

func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", ErrMalformedRequest, what)
	}
	var perr textproto.ProtocolError
	if errors.As(err, &perr) {
		return fmt.Errorf("%w: %s: %w", ErrMalformedRequest, what, err)
	}
	return fmt.Errorf("read %s: %w", what, err)
}

// parseRequestLine splits "METHOD SP TARGET SP VERSION".
func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if method == "" || target == "" || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	return &Request{Method: method, Target: target, Proto: proto}, nil
}

// targetAddr resolves the host:port to dial. CONNECT targets default to port
// 443, everything else to 80 unless an absolute https URI says otherwise.
func targetAddr(req *Request) (string, error) {
	if req.IsConnect() {
		return withPort(req.Target, "443")
	}

	if !strings.HasPrefix(req.Target, "/") && req.Target != "*" {
		u, err := url.Parse(req.Target)
		if err != nil {
			return "", fmt.Errorf("%w: target %q: %w", ErrMalformedRequest, req.Target, err)
		}
		if u.Host != "" {
			port := "80"
			if strings.EqualFold(u.Scheme, "https") {
				port = "443"
			}
			return withPort(u.Host, port)
		}
	}

	if host := req.Header.Get("Host"); host != "" {
		return withPort(host, "80")
	}
	return "", fmt.Errorf("%w: no host for target %q", ErrMalformedRequest, req.Target)
}

func withPort(hostport, port string) (string, error) {
	if host, p, err := net.SplitHostPort(hostport); err == nil {
		if host == "" || p == "" {
			return "", fmt.Errorf("%w: address %q", ErrMalformedRequest, hostport)
		}
		return hostport, nil
	}

	host := hostport
	// A bracketed IPv6 literal without a port.
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", fmt.Errorf("%w: address %q", ErrMalformedRequest, hostport)
	}
	return net.JoinHostPort(host, port), nil
}
