package link

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"nhooyr.io/websocket"
)

// dialTransport connects to the egress at u. lifetime bounds a WebSocket
// transport after the dial; ctx bounds only the dial itself.
func dialTransport(ctx, lifetime context.Context, u *url.URL, timeout time.Duration, ka net.KeepAliveConfig) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch u.Scheme {
	case schemeWS:
		ws, _, err := websocket.Dial(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial link %s: %w", u.Redacted(), err)
		}
		return websocket.NetConn(lifetime, ws, websocket.MessageBinary), nil
	default:
		d := net.Dialer{KeepAliveConfig: ka}
		c, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial link %s: %w", u.Redacted(), err)
		}
		return c, nil
	}
}
