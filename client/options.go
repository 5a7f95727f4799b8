package client

import (
	"log/slog"
	"time"

	"github.com/qvcloud/relay"
)

const (
	DefaultAddr            = "localhost:4322"
	DefaultTimeout         = 2 * time.Second
	DefaultRegisterTimeout = 5 * time.Second
	DefaultRetries         = 3
)

// Options contains the client configuration.
type Options struct {
	// Addr is the broker's consumer endpoint.
	Addr string
	// Identity is the session identity; a random one is used when empty.
	Identity string
	// Timeout is the poll window of Consume.
	Timeout time.Duration
	// RegisterTimeout is how long one registration attempt waits.
	RegisterTimeout time.Duration
	// Retries is the number of attempts a request gets when the broker
	// does not answer. Rejections are never retried.
	Retries int

	TransportOptions []relay.Option
	Logger           *slog.Logger
}

type Option func(*Options)

func NewOptions(opts ...Option) Options {
	options := Options{
		Addr:            DefaultAddr,
		Timeout:         DefaultTimeout,
		RegisterTimeout: DefaultRegisterTimeout,
		Retries:         DefaultRetries,
		Logger:          slog.Default(),
	}

	for _, o := range opts {
		o(&options)
	}

	return options
}

// Addr sets the broker endpoint.
func Addr(addr string) Option {
	return func(o *Options) {
		o.Addr = addr
	}
}

func Identity(id string) Option {
	return func(o *Options) {
		o.Identity = id
	}
}

func Timeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

func RegisterTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RegisterTimeout = d
		}
	}
}

func Retries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Retries = n
		}
	}
}

func TransportOptions(opts ...relay.Option) Option {
	return func(o *Options) {
		o.TransportOptions = append(o.TransportOptions, opts...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}
