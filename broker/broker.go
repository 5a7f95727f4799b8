// Package broker implements the relay broker: it keeps the topic registry,
// relays producer updates to subscribed consumers, heartbeats producers and
// forgets the ones that go silent.
//
// All registry mutation happens on the goroutine running [Broker.Run]. The
// two routers are drained by one pump goroutine each and the loop selects
// over their channels and a heartbeat ticker, so the registry needs no locks.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qvcloud/relay"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type inbound struct {
	identity string
	frames   relay.Frames
}

type mirrored struct {
	topic   string
	payload []byte
}

// Broker mediates between workers and clients.
type Broker struct {
	opts      Options
	transport relay.Transport
	reg       *Registry
	log       *slog.Logger
	now       func() time.Time

	producers relay.Router
	consumers relay.Router

	heartbeatAt time.Time

	queries chan func()
	mirror  chan mirrored
	wg      sync.WaitGroup

	tracer        trace.Tracer
	updates       metric.Int64Counter
	registrations metric.Int64Counter
	heartbeats    metric.Int64Counter
	evictions     metric.Int64Counter
}

func New(t relay.Transport, opts ...Option) *Broker {
	options := NewOptions(opts...)

	b := &Broker{
		opts:      options,
		transport: t,
		reg:       NewRegistry(),
		log:       options.Logger.With("component", "broker"),
		now:       time.Now,
		queries:   make(chan func()),
		mirror:    make(chan mirrored, options.MirrorQueue),
		tracer:    options.Tracer,
	}
	if b.tracer == nil {
		b.tracer = tracenoop.NewTracerProvider().Tracer("github.com/qvcloud/relay/broker")
	}

	meter := options.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("github.com/qvcloud/relay/broker")
	}
	b.updates, _ = meter.Int64Counter("relay.updates",
		metric.WithDescription("Updates relayed to subscribers"))
	b.registrations, _ = meter.Int64Counter("relay.registrations",
		metric.WithDescription("Registration requests by outcome"))
	b.heartbeats, _ = meter.Int64Counter("relay.heartbeats",
		metric.WithDescription("Heartbeats sent to producers"))
	b.evictions, _ = meter.Int64Counter("relay.evictions",
		metric.WithDescription("Topics evicted for silence"))

	return b
}

func (b *Broker) Options() Options { return b.opts }

// Bind listens on both endpoints. Run calls it when needed.
func (b *Broker) Bind() error {
	if b.producers != nil {
		return nil
	}

	producers, err := b.transport.Listen(b.opts.ProducerAddr, b.opts.TransportOptions...)
	if err != nil {
		return fmt.Errorf("broker: listen for producers: %w", err)
	}
	consumers, err := b.transport.Listen(b.opts.ConsumerAddr, b.opts.TransportOptions...)
	if err != nil {
		producers.Close()
		return fmt.Errorf("broker: listen for consumers: %w", err)
	}

	b.producers = producers
	b.consumers = consumers
	b.log.Info("listening", "producers", producers.Addr(), "consumers", consumers.Addr(), "transport", b.transport.String())
	return nil
}

// ProducerAddr returns the bound producer endpoint, empty before Bind.
func (b *Broker) ProducerAddr() string {
	if b.producers == nil {
		return ""
	}
	return b.producers.Addr()
}

// ConsumerAddr returns the bound consumer endpoint, empty before Bind.
func (b *Broker) ConsumerAddr() string {
	if b.consumers == nil {
		return ""
	}
	return b.consumers.Addr()
}

// Run serves until ctx is cancelled or an endpoint fails, then closes the
// endpoints and the sinks. Calling Run again binds fresh endpoints; the
// registry is kept and the closed sinks are not reopened.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Bind(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer b.shutdown()
	defer cancel()

	producerCh := make(chan inbound, 64)
	consumerCh := make(chan inbound, 64)
	go b.pump(ctx, b.producers, producerCh)
	go b.pump(ctx, b.consumers, consumerCh)

	if len(b.opts.Sinks) > 0 {
		b.wg.Add(1)
		go b.runMirror(ctx)
	}

	b.heartbeatAt = b.now().Add(b.opts.HeartbeatInterval)
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("broker has been stopped")
			return ctx.Err()
		case in, ok := <-producerCh:
			if !ok {
				return b.endpointGone(ctx, "producer")
			}
			b.onProducerFrame(ctx, in.identity, in.frames)
		case in, ok := <-consumerCh:
			if !ok {
				return b.endpointGone(ctx, "consumer")
			}
			b.onConsumerFrame(ctx, in.identity, in.frames)
		case <-ticker.C:
		case q := <-b.queries:
			q()
		}
		b.tick(ctx, b.now())
	}
}

func (b *Broker) endpointGone(ctx context.Context, which string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("broker: %s endpoint closed", which)
}

func (b *Broker) pump(ctx context.Context, r relay.Router, out chan<- inbound) {
	defer close(out)
	for {
		id, frames, err := r.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, relay.ErrClosed) {
				return
			}
			b.log.Warn("receive failed", "endpoint", r.Addr(), "error", err)
			continue
		}
		select {
		case out <- inbound{identity: id, frames: frames}:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) shutdown() {
	b.wg.Wait()
	if b.producers != nil {
		b.producers.Close()
		b.producers = nil
	}
	if b.consumers != nil {
		b.consumers.Close()
		b.consumers = nil
	}
	for _, s := range b.opts.Sinks {
		if err := s.Close(); err != nil {
			b.log.Warn("closing sink failed", "sink", s.String(), "error", err)
		}
	}
}

func (b *Broker) onProducerFrame(ctx context.Context, address string, frames relay.Frames) {
	if len(frames) == 0 {
		b.log.Info("received an empty message", "producer", address)
		return
	}

	now := b.now()
	if b.reg.Connect(address, now) {
		b.log.Info("producer connected", "producer", address)
	}

	if relay.IsCommand(frames, relay.Advertise) {
		name, ok := relay.CommandArg(frames)
		if !ok {
			b.log.Warn("advertise without a topic", "producer", address)
			return
		}
		b.advertise(address, name, now)
		return
	}

	if relay.IsHeartbeat(frames) {
		if name, ok := relay.CommandArg(frames); ok {
			if current, _ := b.reg.TopicOf(address); current != name {
				b.log.Warn("heartbeat names an unbound topic, rebinding", "producer", address, "topic", name)
				b.advertise(address, name, now)
				return
			}
		}
		b.reg.Touch(address, now)
		b.log.Debug("heartbeat", "producer", address)
		return
	}

	topic := b.reg.Touch(address, now)

	b.log.Debug("received update", "topic", topic, "payload", string(frames[0]))
	b.relay(ctx, topic, frames[0])
}

func (b *Broker) advertise(address, name string, now time.Time) {
	existed := b.reg.HasTopic(name)
	b.reg.Advertise(address, name, now)
	b.log.Info("producer advertised topic", "producer", address, "topic", name, "existing", existed)
}

func (b *Broker) relay(ctx context.Context, topic string, payload []byte) {
	subs := b.reg.Subscribers(topic)

	_, span := b.tracer.Start(ctx, "broker.relay",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "relay"),
			attribute.String("messaging.destination", topic),
			attribute.Int("relay.subscribers", len(subs)),
		),
	)
	defer span.End()

	msg := relay.Frames{payload}
	for _, sub := range subs {
		if err := b.consumers.Send(sub, msg); err != nil {
			b.log.Debug("relay send failed", "topic", topic, "consumer", sub, "error", err)
		}
	}
	if len(subs) > 0 {
		b.updates.Add(ctx, int64(len(subs)), metric.WithAttributes(attribute.String("topic", topic)))
	}

	if len(b.opts.Sinks) == 0 {
		return
	}
	select {
	case b.mirror <- mirrored{topic: topic, payload: append([]byte(nil), payload...)}:
	default:
		b.log.Debug("mirror queue full, dropping update", "topic", topic)
	}
}

func (b *Broker) runMirror(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.mirror:
			for _, s := range b.opts.Sinks {
				if err := s.Publish(ctx, m.topic, m.payload); err != nil {
					b.log.Warn("mirror publish failed", "sink", s.String(), "topic", m.topic, "error", err)
				}
			}
		}
	}
}

func (b *Broker) onConsumerFrame(ctx context.Context, address string, frames relay.Frames) {
	if len(frames) == 0 {
		b.log.Info("received an empty message", "consumer", address)
		return
	}

	if b.reg.SeeConsumer(address) {
		b.log.Info("consumer connected", "consumer", address)
	}

	switch {
	case relay.IsCommand(frames, relay.Register):
		b.register(ctx, address, frames)
	case relay.IsCommand(frames, relay.Unregister):
		b.unregister(address, frames)
	default:
		b.log.Debug("unhandled consumer message", "consumer", address, "frames", len(frames))
	}
}

func (b *Broker) register(ctx context.Context, address string, frames relay.Frames) {
	topic, ok := relay.CommandArg(frames)
	if ok {
		var added bool
		added, ok = b.reg.Subscribe(topic, address)
		if ok && !added {
			b.log.Debug("consumer already registered", "consumer", address, "topic", topic)
		}
	}

	outcome := relay.OK
	if !ok {
		outcome = relay.BadRequest
	}
	b.log.Info("registration", "consumer", address, "topic", topic, "outcome", outcome)
	b.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	b.reply(address, outcome)
}

func (b *Broker) unregister(address string, frames relay.Frames) {
	topic, ok := relay.CommandArg(frames)
	if ok {
		ok = b.reg.Unsubscribe(topic, address)
	}
	outcome := relay.OK
	if !ok {
		outcome = relay.BadRequest
	}
	b.log.Info("unregistration", "consumer", address, "topic", topic, "outcome", outcome)
	b.reply(address, outcome)
}

func (b *Broker) reply(address, outcome string) {
	if err := b.consumers.Send(address, relay.NewFrames(outcome)); err != nil {
		b.log.Debug("reply failed", "consumer", address, "error", err)
	}
}

// tick heartbeats every known producer once per interval and evicts the
// silent ones.
func (b *Broker) tick(ctx context.Context, now time.Time) {
	if now.Before(b.heartbeatAt) {
		return
	}

	producers := b.reg.Producers()
	for _, id := range producers {
		if err := b.producers.Send(id, relay.NewFrames(relay.Heartbeat)); err != nil {
			b.log.Debug("heartbeat failed", "producer", id, "error", err)
		}
	}
	if len(producers) > 0 {
		b.heartbeats.Add(ctx, int64(len(producers)))
	}

	b.evict(ctx, now)

	b.heartbeatAt = b.heartbeatAt.Add(b.opts.HeartbeatInterval)
	if !b.heartbeatAt.After(now) {
		b.heartbeatAt = now.Add(b.opts.HeartbeatInterval)
	}
}

func (b *Broker) evict(ctx context.Context, now time.Time) {
	window := time.Duration(b.opts.EvictLiveness) * b.opts.HeartbeatInterval
	producers, topics := b.reg.Evict(now, window)

	for _, id := range producers {
		b.log.Info("producer went silent, forgetting it", "producer", id)
	}
	for _, t := range topics {
		b.log.Warn("topic evicted", "topic", t.Topic, "subscribers", len(t.Subscribers))
		b.evictions.Add(ctx, 1)
		gone := relay.NewFrames(relay.Gone, t.Topic)
		for _, sub := range t.Subscribers {
			if err := b.consumers.Send(sub, gone); err != nil {
				b.log.Debug("eviction notice failed", "consumer", sub, "error", err)
			}
		}
	}
}

// Topics returns the registered topics. It is answered by the running loop.
func (b *Broker) Topics(ctx context.Context) ([]string, error) {
	var out []string
	err := b.query(ctx, func() { out = b.reg.Topics() })
	return out, err
}

// Subscribers returns the subscribers of topic in registration order.
func (b *Broker) Subscribers(ctx context.Context, topic string) ([]string, error) {
	var out []string
	err := b.query(ctx, func() { out = b.reg.Subscribers(topic) })
	return out, err
}

func (b *Broker) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case b.queries <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
