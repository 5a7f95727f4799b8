// Package rocketmq mirrors relayed updates into a RocketMQ topic, tagged with
// the relay topic.
package rocketmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/qvcloud/relay"
)

const (
	defaultTopic = "relay_updates"
	defaultGroup = "GID_RELAY"
)

type rmqProducer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, mq ...*primitive.Message) (*primitive.SendResult, error)
}

type rmqSink struct {
	opts relay.Options

	producer rmqProducer

	sync.RWMutex
	topic   string
	running bool
	closed  bool

	newProducer func(opts ...producer.Option) (rmqProducer, error)
}

func (r *rmqSink) Options() relay.Options { return r.opts }

func (r *rmqSink) Address() string {
	if len(r.opts.Addrs) > 0 {
		return r.opts.Addrs[0]
	}
	return ""
}

func (r *rmqSink) Connect() error {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return relay.ErrClosed
	}
	if r.running {
		return nil
	}
	if len(r.opts.Addrs) == 0 {
		return fmt.Errorf("rocketmq: name server addresses are required")
	}

	group := defaultGroup
	retry := 2
	r.topic = defaultTopic
	if v, ok := relay.GetTrackedValue(r.opts.Context, groupKey{}).(string); ok && v != "" {
		group = v
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, retryKey{}).(int); ok {
		retry = v
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, topicKey{}).(string); ok && v != "" {
		r.topic = v
	}

	opts := []producer.Option{
		producer.WithNameServer(r.opts.Addrs),
		producer.WithGroupName(group),
		producer.WithRetry(retry),
	}
	if r.opts.ClientID != "" {
		opts = append(opts, producer.WithInstanceName(r.opts.ClientID))
	}

	p, err := r.newProducer(opts...)
	if err != nil {
		return fmt.Errorf("rocketmq: new producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("rocketmq: start producer: %w", err)
	}
	r.producer = p
	r.running = true

	relay.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

// Publish sends payload to the configured RocketMQ topic with the relay
// topic as tag and key, so consumers can filter by instrument.
func (r *rmqSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.Connect(); err != nil {
		return err
	}

	r.RLock()
	p, dest := r.producer, r.topic
	r.RUnlock()
	if p == nil {
		return relay.ErrClosed
	}

	msg := primitive.NewMessage(dest, payload)
	msg.WithTag(topic)
	msg.WithKeys([]string{topic})
	msg.WithShardingKey(topic)

	res, err := p.SendSync(ctx, msg)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send failed: %s", res.String())
	}
	return nil
}

func (r *rmqSink) Close() error {
	r.Lock()
	defer r.Unlock()

	r.closed = true
	if !r.running {
		return nil
	}
	r.running = false

	p := r.producer
	r.producer = nil
	return p.Shutdown()
}

func (r *rmqSink) String() string {
	return "rocketmq"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	return &rmqSink{
		opts: *options,
		newProducer: func(opts ...producer.Option) (rmqProducer, error) {
			return rocketmq.NewProducer(opts...)
		},
	}
}

type groupKey struct{}
type retryKey struct{}
type topicKey struct{}

func WithGroupName(group string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, groupKey{}, group, "rocketmq.WithGroupName")
	}
}

func WithRetry(retry int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, retryKey{}, retry, "rocketmq.WithRetry")
	}
}

// WithTopic sets the RocketMQ topic all updates go to.
func WithTopic(topic string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, topicKey{}, topic, "rocketmq.WithTopic")
	}
}
