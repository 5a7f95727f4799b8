package broker

import (
	"log/slog"
	"time"

	"github.com/qvcloud/relay"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultProducerAddr      = ":4321"
	DefaultConsumerAddr      = ":4322"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultEvictLiveness     = 3
	DefaultMirrorQueue       = 256
)

// Options contains the broker configuration.
type Options struct {
	// ProducerAddr is where workers connect.
	ProducerAddr string
	// ConsumerAddr is where clients connect.
	ConsumerAddr string

	// HeartbeatInterval is how often producers receive a heartbeat.
	HeartbeatInterval time.Duration
	// EvictLiveness is the number of silent heartbeat intervals after which
	// a producer and its topic are forgotten. Zero keeps them forever.
	EvictLiveness int

	// Sinks receive a copy of every relayed update.
	Sinks []relay.Sink
	// MirrorQueue bounds the updates waiting for the sinks.
	MirrorQueue int

	// TransportOptions are passed to Listen.
	TransportOptions []relay.Option

	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

type Option func(*Options)

func NewOptions(opts ...Option) Options {
	options := Options{
		ProducerAddr:      DefaultProducerAddr,
		ConsumerAddr:      DefaultConsumerAddr,
		HeartbeatInterval: DefaultHeartbeatInterval,
		EvictLiveness:     DefaultEvictLiveness,
		MirrorQueue:       DefaultMirrorQueue,
		Logger:            slog.Default(),
	}

	for _, o := range opts {
		o(&options)
	}

	return options
}

// ProducerAddr sets the producer-facing endpoint.
func ProducerAddr(addr string) Option {
	return func(o *Options) {
		o.ProducerAddr = addr
	}
}

// ConsumerAddr sets the consumer-facing endpoint.
func ConsumerAddr(addr string) Option {
	return func(o *Options) {
		o.ConsumerAddr = addr
	}
}

func HeartbeatInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HeartbeatInterval = d
		}
	}
}

// EvictLiveness sets how many silent intervals evict a producer. Zero
// disables eviction.
func EvictLiveness(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.EvictLiveness = n
		}
	}
}

// Sinks adds downstream mirrors.
func Sinks(sinks ...relay.Sink) Option {
	return func(o *Options) {
		o.Sinks = append(o.Sinks, sinks...)
	}
}

func MirrorQueue(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MirrorQueue = n
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

// Tracer sets the tracer used for relay spans.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// Meter sets the meter used for relay counters.
func Meter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}
