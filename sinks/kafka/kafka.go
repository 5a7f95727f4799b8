// Package kafka mirrors relayed updates into Kafka topics.
package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/qvcloud/relay"
	"github.com/segmentio/kafka-go"
)

const defaultTopicPrefix = "relay."

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSink struct {
	opts relay.Options

	sync.RWMutex
	writer  kafkaWriter
	prefix  string
	running bool
	closed  bool

	newWriter func(w *kafka.Writer) kafkaWriter
}

func (k *kafkaSink) Options() relay.Options { return k.opts }

func (k *kafkaSink) Address() string {
	if len(k.opts.Addrs) > 0 {
		return k.opts.Addrs[0]
	}
	return ""
}

// Connect prepares the writer. kafka-go dials lazily, so nothing is
// contacted until the first write.
func (k *kafkaSink) Connect() error {
	k.Lock()
	defer k.Unlock()

	if k.closed {
		return relay.ErrClosed
	}
	if k.running {
		return nil
	}
	if len(k.opts.Addrs) == 0 {
		return fmt.Errorf("kafka: broker addresses are required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.opts.Addrs...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	if k.opts.TLSConfig != nil {
		w.Transport = &kafka.Transport{TLS: k.opts.TLSConfig, ClientID: k.opts.ClientID}
	} else if k.opts.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: k.opts.ClientID}
	}

	k.prefix = defaultTopicPrefix
	if v, ok := relay.GetTrackedValue(k.opts.Context, topicPrefixKey{}).(string); ok {
		k.prefix = v
	}
	if v, ok := relay.GetTrackedValue(k.opts.Context, requiredAcksKey{}).(int); ok {
		w.RequiredAcks = kafka.RequiredAcks(v)
	}
	if v, ok := relay.GetTrackedValue(k.opts.Context, asyncKey{}).(bool); ok {
		w.Async = v
	}

	k.writer = k.newWriter(w)
	k.running = true

	relay.WarnUnconsumed(k.opts.Context, k.opts.Logger)
	return nil
}

// Publish writes payload to <prefix><topic>, keyed by the relay topic so an
// instrument's updates stay on one partition.
func (k *kafkaSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := k.Connect(); err != nil {
		return err
	}

	k.RLock()
	w, prefix := k.writer, k.prefix
	k.RUnlock()
	if w == nil {
		return relay.ErrClosed
	}

	return w.WriteMessages(ctx, kafka.Message{
		Topic: prefix + topic,
		Key:   []byte(topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "relay-topic", Value: []byte(topic)},
		},
	})
}

func (k *kafkaSink) Close() error {
	k.Lock()
	defer k.Unlock()

	k.closed = true
	if !k.running {
		return nil
	}
	k.running = false

	w := k.writer
	k.writer = nil
	return w.Close()
}

func (k *kafkaSink) String() string {
	return "kafka"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	return &kafkaSink{
		opts: *options,
		newWriter: func(w *kafka.Writer) kafkaWriter {
			return w
		},
	}
}

type topicPrefixKey struct{}
type requiredAcksKey struct{}
type asyncKey struct{}

// WithTopicPrefix sets the prefix added to relay topics to form Kafka topics.
func WithTopicPrefix(prefix string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, topicPrefixKey{}, prefix, "kafka.WithTopicPrefix")
	}
}

// WithRequiredAcks sets the acknowledgements a write waits for: 0 none,
// 1 the leader, -1 all replicas.
func WithRequiredAcks(acks int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, requiredAcksKey{}, acks, "kafka.WithRequiredAcks")
	}
}

func WithAsync(async bool) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, asyncKey{}, async, "kafka.WithAsync")
	}
}
