// Package nats carries relay messages over a NATS server. A router bound at
// addr listens on <prefix>.<addr>; a dealer listens on
// <prefix>.<addr>.<identity> and names itself in the Relay-Identity header.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/qvcloud/relay"
)

// IdentityHeader names the sending dealer.
const IdentityHeader = "Relay-Identity"

const (
	defaultPrefix = "relay"
	defaultBuffer = 256
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// Transport shares one NATS connection between all its endpoints. The
// connection is opened with the first endpoint and closed with the last.
type Transport struct {
	opts relay.Options

	mu   sync.Mutex
	conn natsConn
	refs int

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func New(opts ...relay.Option) *Transport {
	return &Transport{
		opts: *relay.NewOptions(opts...),
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			return nats.Connect(addr, opts...)
		},
	}
}

func (t *Transport) String() string { return "nats" }

func (t *Transport) Address() string {
	if len(t.opts.Addrs) > 0 {
		return t.opts.Addrs[0]
	}
	return nats.DefaultURL
}

type settings struct {
	opts          relay.Options
	prefix        string
	buffer        int
	maxReconnect  *int
	reconnectWait time.Duration
}

func (t *Transport) settings(opts []relay.Option) settings {
	o := t.opts
	for _, opt := range opts {
		opt(&o)
	}

	s := settings{opts: o, prefix: defaultPrefix, buffer: defaultBuffer}
	if v, ok := relay.GetTrackedValue(o.Context, prefixKey{}).(string); ok && v != "" {
		s.prefix = v
	}
	if v, ok := relay.GetTrackedValue(o.Context, bufferKey{}).(int); ok && v > 0 {
		s.buffer = v
	}
	if v, ok := relay.GetTrackedValue(o.Context, maxReconnectKey{}).(int); ok {
		s.maxReconnect = &v
	}
	if v, ok := relay.GetTrackedValue(o.Context, reconnectWaitKey{}).(time.Duration); ok {
		s.reconnectWait = v
	}
	relay.WarnUnconsumed(o.Context, o.Logger)
	return s
}

func (t *Transport) acquire(s settings) (natsConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		t.refs++
		return t.conn, nil
	}

	opts := []nats.Option{}
	if s.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(s.opts.TLSConfig))
	}
	if s.opts.ClientID != "" {
		opts = append(opts, nats.Name(s.opts.ClientID))
	}
	if s.maxReconnect != nil {
		opts = append(opts, nats.MaxReconnects(*s.maxReconnect))
	}
	if s.reconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(s.reconnectWait))
	}

	addr := t.Address()
	conn, err := t.newConn(addr, opts...)
	if err != nil {
		s.opts.Logger.Error("nats connect failed", "addr", addr, "error", err)
		return nil, fmt.Errorf("nats: connect %s: %w", addr, err)
	}
	t.conn = conn
	t.refs = 1
	return conn, nil
}

func (t *Transport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.refs == 0 {
		return
	}
	t.refs--
	if t.refs == 0 && t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// token makes s usable as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func routerSubject(prefix, addr string) string {
	return prefix + "." + token(addr)
}

func dealerSubject(prefix, addr, identity string) string {
	return routerSubject(prefix, addr) + "." + token(identity)
}

type envelope struct {
	identity string
	frames   relay.Frames
}

// endpoint holds what routers and dealers share.
type endpoint struct {
	t    *Transport
	s    settings
	log  *slog.Logger
	conn natsConn
	sub  *nats.Subscription
	done chan struct{}
	once sync.Once
}

func (e *endpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *endpoint) publish(subject, identity string, frames relay.Frames) error {
	if e.closed() {
		return relay.ErrClosed
	}
	data, err := relay.EncodeFrames(e.s.opts.Codec, frames)
	if err != nil {
		return fmt.Errorf("nats: encode: %w", err)
	}
	m := &nats.Msg{Subject: subject, Header: make(nats.Header), Data: data}
	if identity != "" {
		m.Header.Set(IdentityHeader, identity)
	}
	if err := e.conn.PublishMsg(m); err != nil {
		// lost like a dropped connection would lose it
		e.log.Debug("publish failed", "subject", subject, "error", err)
	}
	return nil
}

func (e *endpoint) close() error {
	e.once.Do(func() {
		close(e.done)
		if e.sub != nil {
			if err := e.sub.Unsubscribe(); err != nil {
				e.log.Debug("unsubscribe failed", "error", err)
			}
		}
		e.t.release()
	})
	return nil
}

type router struct {
	endpoint
	addr  string
	inbox chan envelope
}

// Listen subscribes to the router subject of addr. NATS cannot tell whether
// another router already listens there, so binding twice is not an error.
func (t *Transport) Listen(addr string, opts ...relay.Option) (relay.Router, error) {
	s := t.settings(opts)
	conn, err := t.acquire(s)
	if err != nil {
		return nil, err
	}

	r := &router{
		endpoint: endpoint{
			t:    t,
			s:    s,
			log:  s.opts.Logger.With("component", "nats", "addr", addr),
			conn: conn,
			done: make(chan struct{}),
		},
		addr:  addr,
		inbox: make(chan envelope, s.buffer),
	}

	subject := routerSubject(s.prefix, addr)
	r.sub, err = conn.Subscribe(subject, r.handle)
	if err != nil {
		t.release()
		return nil, fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	return r, nil
}

func (r *router) handle(m *nats.Msg) {
	identity := m.Header.Get(IdentityHeader)
	if identity == "" {
		r.log.Debug("dropping message without identity", "subject", m.Subject)
		return
	}
	frames, err := relay.DecodeFrames(r.s.opts.Codec, m.Data)
	if err != nil {
		r.log.Debug("dropping undecodable message", "identity", identity, "error", err)
		return
	}
	select {
	case r.inbox <- envelope{identity: identity, frames: frames}:
	case <-r.done:
	default:
		r.log.Debug("inbox full, dropping message", "identity", identity)
	}
}

func (r *router) Addr() string { return r.addr }

func (r *router) Recv(ctx context.Context) (string, relay.Frames, error) {
	select {
	case env := <-r.inbox:
		return env.identity, env.frames, nil
	case <-r.done:
		return "", nil, relay.ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (r *router) Send(identity string, frames relay.Frames) error {
	return r.publish(dealerSubject(r.s.prefix, r.addr, identity), "", frames)
}

func (r *router) Close() error { return r.close() }

type dealer struct {
	endpoint
	addr     string
	identity string
	inbox    chan relay.Frames
}

func (t *Transport) Dial(addr, identity string, opts ...relay.Option) (relay.Dealer, error) {
	s := t.settings(opts)
	if identity == "" {
		identity = uuid.NewString()
	}
	conn, err := t.acquire(s)
	if err != nil {
		return nil, err
	}

	d := &dealer{
		endpoint: endpoint{
			t:    t,
			s:    s,
			log:  s.opts.Logger.With("component", "nats", "addr", addr, "identity", identity),
			conn: conn,
			done: make(chan struct{}),
		},
		addr:     addr,
		identity: identity,
		inbox:    make(chan relay.Frames, s.buffer),
	}

	subject := dealerSubject(s.prefix, addr, identity)
	d.sub, err = conn.Subscribe(subject, d.handle)
	if err != nil {
		t.release()
		return nil, fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	return d, nil
}

func (d *dealer) handle(m *nats.Msg) {
	frames, err := relay.DecodeFrames(d.s.opts.Codec, m.Data)
	if err != nil {
		d.log.Debug("dropping undecodable message", "error", err)
		return
	}
	select {
	case d.inbox <- frames:
	case <-d.done:
	default:
		d.log.Debug("inbox full, dropping message")
	}
}

func (d *dealer) Identity() string { return d.identity }

func (d *dealer) Send(frames relay.Frames) error {
	return d.publish(routerSubject(d.s.prefix, d.addr), d.identity, frames)
}

func (d *dealer) Recv(ctx context.Context) (relay.Frames, error) {
	select {
	case f := <-d.inbox:
		return f, nil
	case <-d.done:
		return nil, relay.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *dealer) Close() error { return d.close() }

type prefixKey struct{}
type bufferKey struct{}
type maxReconnectKey struct{}
type reconnectWaitKey struct{}

// WithSubjectPrefix sets the first subject token of every relay subject.
func WithSubjectPrefix(prefix string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, prefixKey{}, prefix, "nats.WithSubjectPrefix")
	}
}

// WithBuffer sets the length of the receive queue of an endpoint.
func WithBuffer(n int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, bufferKey{}, n, "nats.WithBuffer")
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
