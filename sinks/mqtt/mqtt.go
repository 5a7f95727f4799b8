// Package mqtt mirrors relayed updates to an MQTT broker, one MQTT topic per
// relay topic.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/qvcloud/relay"
)

const (
	defaultAddr           = "mqtt://localhost:1883"
	defaultTopicPrefix    = "relay/"
	defaultConnectTimeout = 10 * time.Second
)

type mqttConn interface {
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

type mqttSink struct {
	opts relay.Options
	conn mqttConn

	sync.RWMutex
	prefix  string
	qos     byte
	retain  bool
	running bool
	closed  bool
	cancel  context.CancelFunc

	newConn func(ctx context.Context, cfg autopaho.ClientConfig) (mqttConn, error)
}

func (m *mqttSink) Options() relay.Options { return m.opts }

func (m *mqttSink) Address() string {
	if len(m.opts.Addrs) > 0 {
		return m.opts.Addrs[0]
	}
	return defaultAddr
}

// Connect starts the connection manager and waits for the first connection
// up to the connect timeout. autopaho keeps retrying in the background when
// the broker is not reachable yet.
func (m *mqttSink) Connect() error {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		return relay.ErrClosed
	}
	if m.running {
		return nil
	}

	serverURL, err := url.Parse(m.Address())
	if err != nil {
		return fmt.Errorf("mqtt: parse broker URL: %w", err)
	}

	clientID := m.opts.ClientID
	if clientID == "" {
		clientID = "relay-" + uuid.NewString()
	}

	m.prefix = defaultTopicPrefix
	timeout := defaultConnectTimeout
	if v, ok := relay.GetTrackedValue(m.opts.Context, topicPrefixKey{}).(string); ok {
		m.prefix = v
	}
	if v, ok := relay.GetTrackedValue(m.opts.Context, qosKey{}).(byte); ok {
		m.qos = v
	}
	if v, ok := relay.GetTrackedValue(m.opts.Context, retainKey{}).(bool); ok {
		m.retain = v
	}
	if v, ok := relay.GetTrackedValue(m.opts.Context, connectTimeoutKey{}).(time.Duration); ok && v > 0 {
		timeout = v
	}

	log := m.opts.Logger.With("component", "mqtt", "broker", serverURL.String())
	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{serverURL},
		KeepAlive:  30,
		TlsCfg:     m.opts.TLSConfig,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info("mqtt connected to broker")
		},
		OnConnectError: func(err error) {
			log.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if v, ok := relay.GetTrackedValue(m.opts.Context, credentialsKey{}).(credentials); ok {
		cfg.ConnectUsername = v.username
		cfg.ConnectPassword = []byte(v.password)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := m.newConn(ctx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	actx, acancel := context.WithTimeout(ctx, timeout)
	defer acancel()
	if err := conn.AwaitConnection(actx); err != nil {
		log.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.conn = conn
	m.cancel = cancel
	m.running = true

	relay.WarnUnconsumed(m.opts.Context, m.opts.Logger)
	return nil
}

func (m *mqttSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := m.Connect(); err != nil {
		return err
	}

	m.RLock()
	conn, prefix, qos, retain := m.conn, m.prefix, m.qos, m.retain
	m.RUnlock()
	if conn == nil {
		return relay.ErrClosed
	}

	_, err := conn.Publish(ctx, &paho.Publish{
		Topic:   prefix + topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func (m *mqttSink) Close() error {
	m.Lock()
	defer m.Unlock()

	m.closed = true
	if !m.running {
		return nil
	}
	m.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.conn.Disconnect(ctx)
	m.conn = nil
	m.cancel()
	return err
}

func (m *mqttSink) String() string {
	return "mqtt"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	return &mqttSink{
		opts: *options,
		newConn: func(ctx context.Context, cfg autopaho.ClientConfig) (mqttConn, error) {
			return autopaho.NewConnection(ctx, cfg)
		},
	}
}

type topicPrefixKey struct{}
type qosKey struct{}
type retainKey struct{}
type connectTimeoutKey struct{}
type credentialsKey struct{}

type credentials struct {
	username string
	password string
}

// WithTopicPrefix sets the prefix added to relay topics to form MQTT topics.
func WithTopicPrefix(prefix string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, topicPrefixKey{}, prefix, "mqtt.WithTopicPrefix")
	}
}

func WithQoS(qos byte) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, qosKey{}, qos, "mqtt.WithQoS")
	}
}

// WithRetain keeps the last update of every topic on the MQTT broker.
func WithRetain(retain bool) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, retainKey{}, retain, "mqtt.WithRetain")
	}
}

func WithConnectTimeout(d time.Duration) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, connectTimeoutKey{}, d, "mqtt.WithConnectTimeout")
	}
}

func WithCredentials(username, password string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, credentialsKey{}, credentials{username, password}, "mqtt.WithCredentials")
	}
}
