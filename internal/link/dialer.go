package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/linkproxy/internal/dialer"
)

// Dialer reaches targets through the egress by opening a stream and sending
// a CONNECT request on it, as an HTTP client of the egress would.
type Dialer struct {
	Client *Client
	// Timeout bounds the CONNECT exchange. Zero means no limit.
	Timeout time.Duration
}

var _ dialer.Dialer = (*Dialer)(nil)

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	st, err := d.Client.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open link stream: %w", dialer.ErrUpstreamUnreachable, err)
	}

	if d.Timeout > 0 {
		_ = st.SetDeadline(time.Now().Add(d.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = st.SetDeadline(time.Unix(1, 0)) })

	conn, err := dialer.Connect(st, address, "")
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: dial %s %s via link: %w", dialer.ErrUpstreamUnreachable, network, address, err)
	}

	_ = st.SetDeadline(time.Time{})
	return conn, nil
}
