package transport

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/wire"
)

const (
	DefaultAcceptTimeout = time.Second
	DefaultReadTimeout   = 5 * time.Second
	DefaultDialTimeout   = 2 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
	DefaultRetryBackoff  = 100 * time.Millisecond

	// MaxFrameSize bounds the memory a single connection can make a
	// Receiver allocate. Compressing codecs apply the same bound to the
	// decoded frame.
	MaxFrameSize = wire.MaxFrameSize
)

var (
	// ErrBind is returned when a Receiver cannot listen on the requested port.
	ErrBind = errors.New("cannot bind listener")
	// ErrInvalidArgument is returned for nil messages or unset addresses.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by a Sender after Shutdown.
	ErrClosed = errors.New("transport closed")
	// ErrUndelivered is returned by SendOnce when the frame could not be
	// written.
	ErrUndelivered = errors.New("frame not delivered")
)

// Options configures Senders and Receivers. Zero values select defaults.
type Options struct {
	Codec  wire.Codec
	Logger *zap.Logger

	AcceptTimeout time.Duration
	ReadTimeout   time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	RetryBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = wire.ProtoCodec{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = DefaultAcceptTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}
