package middleware

import (
	"context"

	"github.com/qvcloud/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/qvcloud/relay"

// OtelHandler wraps a client handler with OpenTelemetry tracing.
func OtelHandler(h relay.Handler, opts ...Option) relay.Handler {
	options := newOptions(opts...)

	return func(ctx context.Context, u relay.Update) error {
		ctx, span := options.tracer.Start(ctx, "relay.handle",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "relay"),
				attribute.String("messaging.destination", u.Topic),
				attribute.String("messaging.operation", "process"),
				attribute.Bool("relay.parsed", u.Parsed),
			),
		)
		defer span.End()

		err := h(ctx, u)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// OtelSink wraps a sink so that every mirrored update gets a producer span.
func OtelSink(s relay.Sink, opts ...Option) relay.Sink {
	return &otelSink{Sink: s, opts: newOptions(opts...)}
}

type otelSink struct {
	relay.Sink
	opts options
}

func (s *otelSink) Publish(ctx context.Context, topic string, payload []byte) error {
	ctx, span := s.opts.tracer.Start(ctx, "relay.mirror",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", s.Sink.String()),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.operation", "publish"),
			attribute.Int("messaging.message.body.size", len(payload)),
		),
	)
	defer span.End()

	err := s.Sink.Publish(ctx, topic, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type options struct {
	tracer trace.Tracer
}

type Option func(*options)

func newOptions(opts ...Option) options {
	o := options{
		tracer: otel.Tracer(instrumentation),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
