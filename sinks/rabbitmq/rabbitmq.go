// Package rabbitmq mirrors relayed updates to a RabbitMQ exchange, routed by
// topic.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qvcloud/relay"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange     = "relay"
	defaultExchangeType = "topic"
)

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Close() error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	return w.Connection.Channel()
}

type rmqSink struct {
	opts relay.Options

	conn    rabbitConn
	channel rabbitChannel

	sync.RWMutex
	exchange     string
	exchangeType string
	persistent   bool
	running      bool
	closed       bool

	newConn func(addr string, config amqp.Config) (rabbitConn, error)
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
	if r.running && r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	if len(r.opts.Addrs) == 0 {
		return fmt.Errorf("rabbitmq: server addresses are required")
	}

	r.exchange = defaultExchange
	r.exchangeType = defaultExchangeType
	if v, ok := relay.GetTrackedValue(r.opts.Context, exchangeKey{}).(string); ok {
		r.exchange = v
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, exchangeTypeKey{}).(string); ok {
		r.exchangeType = v
	}
	if v, ok := relay.GetTrackedValue(r.opts.Context, persistentKey{}).(bool); ok {
		r.persistent = v
	}

	config := amqp.Config{
		TLSClientConfig: r.opts.TLSConfig,
		Heartbeat:       10 * time.Second,
	}
	if r.opts.ClientID != "" {
		config.Properties = amqp.Table{
			"connection_name": r.opts.ClientID,
		}
	}

	conn, err := r.newConn(r.Address(), config)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: channel: %w", err)
	}

	if r.exchange != "" {
		if err := ch.ExchangeDeclare(r.exchange, r.exchangeType, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("rabbitmq: declare exchange %s: %w", r.exchange, err)
		}
	}

	if r.running {
		r.opts.Logger.Warn("rabbitmq connection was lost, reconnected", "addr", r.Address())
	}
	r.conn = conn
	r.channel = ch
	r.running = true

	relay.WarnUnconsumed(r.opts.Context, r.opts.Logger)
	return nil
}

// Publish routes payload to the exchange with the topic as routing key. A
// dropped connection is redialed on the next publish.
func (r *rmqSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.Connect(); err != nil {
		return err
	}

	r.RLock()
	ch, exchange, persistent := r.channel, r.exchange, r.persistent
	r.RUnlock()
	if ch == nil {
		return relay.ErrClosed
	}

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(ctx,
		exchange, // exchange
		topic,    // routing key
		false,    // mandatory
		false,    // immediate
		amqp.Publishing{
			Headers:      amqp.Table{"relay-topic": topic},
			ContentType:  "text/plain",
			Body:         payload,
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now(),
		})
}

func (r *rmqSink) Close() error {
	r.Lock()
	defer r.Unlock()

	r.closed = true
	if !r.running {
		return nil
	}
	r.running = false

	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
	}
	return err
}

func (r *rmqSink) String() string {
	return "rabbitmq"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	return &rmqSink{
		opts: *options,
		newConn: func(addr string, config amqp.Config) (rabbitConn, error) {
			conn, err := amqp.DialConfig(addr, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}
}

type exchangeKey struct{}
type exchangeTypeKey struct{}
type persistentKey struct{}

// WithExchange sets the exchange updates are published to. An empty name
// publishes on the default exchange, routing straight to a queue named
// after the topic.
func WithExchange(name string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, exchangeKey{}, name, "rabbitmq.WithExchange")
	}
}

func WithExchangeType(kind string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, exchangeTypeKey{}, kind, "rabbitmq.WithExchangeType")
	}
}

func WithPersistent(persistent bool) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, persistentKey{}, persistent, "rabbitmq.WithPersistent")
	}
}
