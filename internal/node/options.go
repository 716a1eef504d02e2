package node

import (
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/ring"
	"mcastqueue/internal/transport"
	"mcastqueue/internal/wire"
)

const (
	DefaultJoinTimeout = 10 * time.Second

	// EphemeralPort as Options.ListenPort makes JoinGroup listen on any free
	// port instead of the known peer's port.
	EphemeralPort = -1
)

// Options configures a Node. Zero values select defaults.
type Options struct {
	// Host is the address other peers use to reach this one. Empty selects
	// the first non-loopback IPv4 address of the machine.
	Host string
	// ListenPort is the port JoinGroup listens on. Zero reuses the known
	// peer's port, which suits one peer per host.
	ListenPort int

	Codec  wire.Codec
	Logger *zap.Logger

	AcceptTimeout time.Duration
	DialTimeout   time.Duration
	RetryBackoff  time.Duration
	JoinTimeout   time.Duration

	// OnStatus is called after every membership state change.
	OnStatus func(ring.Status)
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = wire.ProtoCodec{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	return o
}

func (o Options) transport(logger *zap.Logger) transport.Options {
	return transport.Options{
		Codec:         o.Codec,
		Logger:        logger,
		AcceptTimeout: o.AcceptTimeout,
		DialTimeout:   o.DialTimeout,
		RetryBackoff:  o.RetryBackoff,
	}
}

func (o Options) address(port int) ring.Address {
	if o.Host == "" {
		return ring.LocalAddress(port)
	}
	return ring.Address{Host: o.Host, Port: port}
}
