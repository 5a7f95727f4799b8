package worker

import (
	"log/slog"
	"time"

	"github.com/qvcloud/relay"
)

const (
	DefaultAddr              = "localhost:4321"
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultLiveness          = 3
	DefaultMaxReconnects     = 5
	DefaultBackoffMin        = time.Second
	DefaultBackoffMax        = 5 * time.Second
	DefaultPauseMin          = 500 * time.Millisecond
	DefaultPauseMax          = 900 * time.Millisecond
	DefaultPerturbation      = 0.2
)

// Options contains the worker configuration.
type Options struct {
	// Addr is the broker's producer endpoint.
	Addr string

	// HeartbeatInterval is both the poll window and the heartbeat period.
	HeartbeatInterval time.Duration
	// Liveness is the number of silent windows before reconnecting.
	Liveness int
	// MaxReconnects is how many reconnections are tried before stopping.
	MaxReconnects int

	// BackoffMin and BackoffMax bound the pause before a reconnection.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// PauseMin and PauseMax bound the pause between cycles.
	PauseMin time.Duration
	PauseMax time.Duration

	// Perturbation is the relative range of the random walk per update.
	Perturbation float64

	// Legacy makes the connection identity the topic name instead of
	// advertising the topic on a fresh identity.
	Legacy bool

	Rand             relay.Rand
	TransportOptions []relay.Option
	Logger           *slog.Logger
}

type Option func(*Options)

func NewOptions(opts ...Option) Options {
	options := Options{
		Addr:              DefaultAddr,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Liveness:          DefaultLiveness,
		MaxReconnects:     DefaultMaxReconnects,
		BackoffMin:        DefaultBackoffMin,
		BackoffMax:        DefaultBackoffMax,
		PauseMin:          DefaultPauseMin,
		PauseMax:          DefaultPauseMax,
		Perturbation:      DefaultPerturbation,
		Logger:            slog.Default(),
	}

	for _, o := range opts {
		o(&options)
	}

	if options.Rand == nil {
		options.Rand = relay.NewRand()
	}
	return options
}

// Addr sets the broker endpoint.
func Addr(addr string) Option {
	return func(o *Options) {
		o.Addr = addr
	}
}

func HeartbeatInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HeartbeatInterval = d
		}
	}
}

func Liveness(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Liveness = n
		}
	}
}

func MaxReconnects(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxReconnects = n
		}
	}
}

// Backoff sets the range the reconnection pause is drawn from.
func Backoff(min, max time.Duration) Option {
	return func(o *Options) {
		o.BackoffMin = min
		o.BackoffMax = max
	}
}

// Pause sets the range the pause between cycles is drawn from.
func Pause(min, max time.Duration) Option {
	return func(o *Options) {
		o.PauseMin = min
		o.PauseMax = max
	}
}

func Perturbation(p float64) Option {
	return func(o *Options) {
		if p >= 0 {
			o.Perturbation = p
		}
	}
}

// Legacy presents the topic name as the connection identity.
func Legacy() Option {
	return func(o *Options) {
		o.Legacy = true
	}
}

// WithRand sets the random source for jitter and the random walk.
func WithRand(r relay.Rand) Option {
	return func(o *Options) {
		o.Rand = r
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
