//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/linkproxy/internal/proxy"
)

// ip6tSoOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h,
// which golang.org/x/sys/unix does not export.
const ip6tSoOriginalDst = 80

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with IP_TRANSPARENT set so the socket
// accepts connections steered to it by iptables/nftables TPROXY or REDIRECT
// rules. Requires CAP_NET_ADMIN.
func ListenTransparentTCP(ctx context.Context, addr string, cfg proxy.ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
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

// OriginalDst returns the destination a redirected connection was sent to.
// NAT REDIRECT rewrites the local address, so SO_ORIGINAL_DST is consulted
// first; TPROXY keeps it, so the local address is the fallback.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	tc, ok := tcpConn(c)
	if !ok {
		return nil, fmt.Errorf("%w: not a TCP connection", ErrNoOriginalDst)
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOriginalDst, err)
	}

	var addr *net.TCPAddr
	ipv6 := false
	if la, ok := tc.LocalAddr().(*net.TCPAddr); ok {
		ipv6 = la.IP.To4() == nil
	}
	_ = rc.Control(func(fd uintptr) {
		if ipv6 {
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.SOL_IPV6, ip6tSoOriginalDst)
			if err != nil {
				return
			}
			sa := info.Addr
			addr = &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: int(ntohs(sa.Port))}
			return
		}
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			return
		}
		// The option fills a sockaddr_in: family(2) port(2) addr(4).
		m := mreq.Multiaddr
		addr = &net.TCPAddr{
			IP:   net.IPv4(m[4], m[5], m[6], m[7]),
			Port: int(m[2])<<8 | int(m[3]),
		}
	})
	if addr != nil {
		return addr, nil
	}
	return localDst(c)
}

// ntohs converts a port stored in network order in a host-order field.
func ntohs(p uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], p)
	return binary.BigEndian.Uint16(b[:])
}
