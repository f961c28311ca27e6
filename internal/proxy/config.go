package proxy

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/die-net/linkproxy/internal/dialer"
)

// Opener opens a byte stream to the egress side of a link.
type Opener interface {
	Open(ctx context.Context) (net.Conn, error)
}

type Config struct {
	// NegotiationTimeout bounds reading the bootstrap request or SOCKS5
	// handshake from a client.
	NegotiationTimeout time.Duration

	// Dialer reaches targets when this process negotiates requests itself.
	Dialer dialer.Dialer

	// Opener, when set, puts the HTTP front-end in multiplexed mode: client
	// bytes are relayed unparsed into a stream and negotiated on the far
	// side.
	Opener Opener

	Logger hclog.Logger
}

func (c Config) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger
}
