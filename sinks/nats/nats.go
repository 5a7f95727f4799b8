// Package nats mirrors relayed updates onto NATS subjects, one subject per
// topic.
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/relay"
)

// TopicHeader carries the relay topic, which may differ from the subject
// token when the topic contains subject separators.
const TopicHeader = "Relay-Topic"

const defaultSubjectPrefix = "relay.updates."

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Close()
}

type natsSink struct {
	opts relay.Options
	conn natsConn

	sync.RWMutex
	prefix  string
	running bool
	closed  bool

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func (n *natsSink) Options() relay.Options { return n.opts }

func (n *natsSink) Address() string {
	if len(n.opts.Addrs) > 0 {
		return n.opts.Addrs[0]
	}
	return nats.DefaultURL
}

func (n *natsSink) Connect() error {
	n.Lock()
	defer n.Unlock()

	if n.closed {
		return relay.ErrClosed
	}
	if n.running {
		return nil
	}

	opts := []nats.Option{}
	if n.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(n.opts.TLSConfig))
	}
	if n.opts.ClientID != "" {
		opts = append(opts, nats.Name(n.opts.ClientID))
	}
	if v, ok := relay.GetTrackedValue(n.opts.Context, maxReconnectKey{}).(int); ok {
		opts = append(opts, nats.MaxReconnects(v))
	}
	if v, ok := relay.GetTrackedValue(n.opts.Context, reconnectWaitKey{}).(time.Duration); ok {
		opts = append(opts, nats.ReconnectWait(v))
	}
	n.prefix = defaultSubjectPrefix
	if v, ok := relay.GetTrackedValue(n.opts.Context, subjectPrefixKey{}).(string); ok {
		n.prefix = v
	}

	addr := n.Address()
	conn, err := n.newConn(addr, opts...)
	if err != nil {
		n.opts.Logger.Error("nats connect failed", "addr", addr, "error", err)
		return fmt.Errorf("nats: connect %s: %w", addr, err)
	}
	n.conn = conn
	n.running = true

	relay.WarnUnconsumed(n.opts.Context, n.opts.Logger)
	return nil
}

func subjectToken(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, topic)
}

func (n *natsSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := n.Connect(); err != nil {
		return err
	}

	n.RLock()
	conn, prefix := n.conn, n.prefix
	n.RUnlock()
	if conn == nil {
		return relay.ErrClosed
	}

	m := &nats.Msg{
		Subject: prefix + subjectToken(topic),
		Header:  make(nats.Header),
		Data:    payload,
	}
	m.Header.Set(TopicHeader, topic)
	return conn.PublishMsg(m)
}

func (n *natsSink) Close() error {
	n.Lock()
	defer n.Unlock()

	n.closed = true
	if !n.running {
		return nil
	}
	n.running = false
	n.conn.Close()
	n.conn = nil
	return nil
}

func (n *natsSink) String() string {
	return "nats"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	return &natsSink{
		opts: *options,
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
}

type subjectPrefixKey struct{}
type maxReconnectKey struct{}
type reconnectWaitKey struct{}

// WithSubjectPrefix sets the prefix of the per topic subjects.
func WithSubjectPrefix(prefix string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, subjectPrefixKey{}, prefix, "nats.WithSubjectPrefix")
	}
}

func WithMaxReconnect(max int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, maxReconnectKey{}, max, "nats.WithMaxReconnect")
	}
}

func WithReconnectWait(wait time.Duration) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, reconnectWaitKey{}, wait, "nats.WithReconnectWait")
	}
}
