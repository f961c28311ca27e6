//go:build openbsd

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/linkproxy/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with SO_BINDANY so the socket accepts
// connections redirected by PF rdr-to rules. Requires root; return traffic
// also needs divert-reply rules.
func ListenTransparentTCP(ctx context.Context, addr string, cfg proxy.ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			// Socket level on OpenBSD, unlike FreeBSD's IP_BINDANY.
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDANY, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return proxy.WrapListener(ln, cfg), nil
}

// OriginalDst returns the accepted socket's local address, which PF rdr-to
// leaves set to the original destination.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	return localDst(c)
}
