package link

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	schemeTCP = "tcp"
	schemeWS  = "ws"
)

// ParseAddr validates a link address. WebSocket paths default to "/".
func ParseAddr(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid link address: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	switch u.Scheme {
	case schemeTCP:
		if u.Path != "" && u.Path != "/" {
			return nil, errors.New("invalid link address: tcp takes no path")
		}
	case schemeWS:
		if u.Path == "" {
			u.Path = "/"
		}
	case "":
		return nil, errors.New("invalid link address: missing scheme")
	default:
		return nil, fmt.Errorf("invalid link address: unsupported scheme %q", u.Scheme)
	}

	if _, port, err := net.SplitHostPort(u.Host); err != nil || port == "" {
		return nil, fmt.Errorf("invalid link address %q: host:port required", s)
	}
	return u, nil
}
