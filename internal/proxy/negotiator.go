package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/die-net/linkproxy/internal/dialer"
)

// Negotiator turns a freshly accepted connection into a tunnel: it reads the
// bootstrap request, dials the target, and prepares both ends for Relay.
type Negotiator struct {
	Dialer dialer.Dialer
	// Timeout bounds reading the request. Zero means no limit.
	Timeout time.Duration
	Logger  hclog.Logger
}

func (n *Negotiator) logger() hclog.Logger {
	if n.Logger == nil {
		return hclog.NewNullLogger()
	}
	return n.Logger
}

// Negotiate reads the request from client and dials its target. For CONNECT
// it answers the client with EstablishedResponse and forwards any pipelined
// bytes; otherwise it forwards the request bytes as read. On failure nothing
// is written to client, and the caller closes it.
func (n *Negotiator) Negotiate(ctx context.Context, client net.Conn) (net.Conn, *Request, error) {
	if n.Timeout > 0 {
		_ = client.SetReadDeadline(time.Now().Add(n.Timeout))
	}
	req, err := ReadRequest(client)
	if err != nil {
		return nil, nil, err
	}
	if n.Timeout > 0 {
		_ = client.SetReadDeadline(time.Time{})
	}

	upstream, err := n.Dialer.DialContext(ctx, "tcp", req.Addr)
	if err != nil {
		return nil, req, err
	}

	first := req.Raw
	if req.IsConnect() {
		if _, err := io.WriteString(client, EstablishedResponse); err != nil {
			_ = upstream.Close()
			return nil, req, fmt.Errorf("write established: %w", err)
		}
		first = req.Excess()
	}
	if len(first) > 0 {
		if _, err := upstream.Write(first); err != nil {
			_ = upstream.Close()
			return nil, req, fmt.Errorf("forward request to %s: %w", req.Addr, err)
		}
	}
	return upstream, req, nil
}

// Serve negotiates client and relays it to the target until either side is
// done. client is always closed.
func (n *Negotiator) Serve(ctx context.Context, client net.Conn) error {
	log := n.logger()

	upstream, req, err := n.Negotiate(ctx, client)
	if err != nil {
		_ = client.Close()
		n.countFailure(err)
		if req != nil {
			log.Debug("negotiation failed", "method", req.Method, "target", req.Addr, "error", err)
		} else {
			log.Debug("negotiation failed", "remote", client.RemoteAddr(), "error", err)
		}
		return err
	}

	metrics.IncrCounterWithLabels([]string{"proxy", "negotiated"}, 1,
		[]metrics.Label{{Name: "method", Value: req.Method}})
	log.Debug("relaying", "method", req.Method, "target", req.Addr)

	if err := Relay(ctx, client, upstream); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("relay ended", "target", req.Addr, "error", err)
		return err
	}
	return nil
}

func (n *Negotiator) countFailure(err error) {
	reason := "io"
	switch {
	case errors.Is(err, ErrMalformedRequest):
		reason = "malformed"
	case errors.Is(err, dialer.ErrUpstreamUnreachable):
		reason = "unreachable"
	}
	metrics.IncrCounterWithLabels([]string{"proxy", "negotiation", "failed"}, 1,
		[]metrics.Label{{Name: "reason", Value: reason}})
}
