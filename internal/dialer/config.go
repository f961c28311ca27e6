package dialer

import (
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds proxy handshakes after connect.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	SSHKeyPath        string
	SSHKnownHostsPath string

	Logger hclog.Logger
}

func (c Config) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger
}
