//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"context"
	"errors"
	"net"

	"github.com/die-net/linkproxy/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

var errUnsupported = errors.New("transparent proxy is not supported on this platform")

func ListenTransparentTCP(_ context.Context, _ string, _ proxy.ListenConfig) (net.Listener, error) {
	return nil, errUnsupported
}

func OriginalDst(_ net.Conn) (*net.TCPAddr, error) {
	return nil, errUnsupported
}
