package relay

import (
	"context"
	"crypto/tls"
	"log/slog"
)

// Options configures transports and sinks.
type Options struct {
	// Addrs is a list of server addresses for adapters that talk to an
	// external server (NATS, Kafka, ...).
	Addrs []string
	// ClientID names the connection on servers that support it.
	ClientID string
	// Codec encodes multipart frames on transports that carry them as a
	// single payload.
	Codec Marshaler

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config

	Logger *slog.Logger

	// Context carries adapter specific options, see WithTrackedValue.
	Context context.Context
}

type Option func(*Options)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Codec:   JsonMarshaler{},
		Logger:  slog.Default(),
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

// Addrs sets the server addresses used by an adapter.
func Addrs(addrs ...string) Option {
	return func(o *Options) {
		o.Addrs = addrs
	}
}

// ClientID sets the connection name.
func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// Codec sets the codec used to encode frames.
func Codec(c Marshaler) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// Specify TLS Config.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// OptionsContext sets the context carrying adapter specific options.
func OptionsContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Context = ctx
	}
}
