// Package inproc is a process-local relay transport. Dealers may dial an
// address before anything listens on it; messages sent while no router is
// bound are dropped, the same way a network transport loses them.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/qvcloud/relay"
)

const defaultBuffer = 256

type bufferKey struct{}

// WithBuffer sets the per endpoint queue length.
func WithBuffer(n int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, bufferKey{}, n, "inproc.WithBuffer")
	}
}

// Transport is a namespace of in-process endpoints.
type Transport struct {
	opts relay.Options

	mu      sync.RWMutex
	routers map[string]*router
}

func New(opts ...relay.Option) *Transport {
	return &Transport{
		opts:    *relay.NewOptions(opts...),
		routers: make(map[string]*router),
	}
}

func (t *Transport) String() string { return "inproc" }

func (t *Transport) buffer(opts []relay.Option) int {
	o := t.opts
	for _, opt := range opts {
		opt(&o)
	}
	n := defaultBuffer
	if v, ok := relay.GetTrackedValue(o.Context, bufferKey{}).(int); ok && v > 0 {
		n = v
	}
	relay.WarnUnconsumed(o.Context, o.Logger)
	return n
}

func (t *Transport) Listen(addr string, opts ...relay.Option) (relay.Router, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routers[addr]; ok {
		return nil, fmt.Errorf("inproc: address %q already in use", addr)
	}
	r := &router{
		t:     t,
		addr:  addr,
		inbox: make(chan envelope, t.buffer(opts)),
		done:  make(chan struct{}),
		peers: make(map[string]*dealer),
	}
	t.routers[addr] = r
	return r, nil
}

func (t *Transport) Dial(addr, identity string, opts ...relay.Option) (relay.Dealer, error) {
	if identity == "" {
		identity = uuid.NewString()
	}
	d := &dealer{
		t:        t,
		addr:     addr,
		identity: identity,
		inbox:    make(chan relay.Frames, t.buffer(opts)),
		done:     make(chan struct{}),
	}
	if r := t.lookup(addr); r != nil {
		r.attach(d)
	}
	return d, nil
}

func (t *Transport) lookup(addr string) *router {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routers[addr]
}

type envelope struct {
	identity string
	frames   relay.Frames
}

type router struct {
	t     *Transport
	addr  string
	inbox chan envelope
	done  chan struct{}
	once  sync.Once

	mu    sync.RWMutex
	peers map[string]*dealer
}

func (r *router) Addr() string { return r.addr }

func (r *router) attach(d *dealer) {
	r.mu.Lock()
	r.peers[d.identity] = d
	r.mu.Unlock()
}

func (r *router) detach(d *dealer) {
	r.mu.Lock()
	if r.peers[d.identity] == d {
		delete(r.peers, d.identity)
	}
	r.mu.Unlock()
}

func (r *router) deliver(identity string, frames relay.Frames) {
	select {
	case <-r.done:
	case r.inbox <- envelope{identity: identity, frames: frames}:
	default:
		// queue full, drop
	}
}

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
	select {
	case <-r.done:
		return relay.ErrClosed
	default:
	}

	r.mu.RLock()
	d, ok := r.peers[identity]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	d.deliver(frames.Clone())
	return nil
}

func (r *router) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.t.mu.Lock()
		if r.t.routers[r.addr] == r {
			delete(r.t.routers, r.addr)
		}
		r.t.mu.Unlock()
	})
	return nil
}

type dealer struct {
	t        *Transport
	addr     string
	identity string
	inbox    chan relay.Frames
	done     chan struct{}
	once     sync.Once
}

func (d *dealer) Identity() string { return d.identity }

func (d *dealer) deliver(frames relay.Frames) {
	select {
	case <-d.done:
	case d.inbox <- frames:
	default:
	}
}

func (d *dealer) Send(frames relay.Frames) error {
	select {
	case <-d.done:
		return relay.ErrClosed
	default:
	}

	r := d.t.lookup(d.addr)
	if r == nil {
		return nil
	}
	r.attach(d)
	r.deliver(d.identity, frames.Clone())
	return nil
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

func (d *dealer) Close() error {
	d.once.Do(func() {
		close(d.done)
		if r := d.t.lookup(d.addr); r != nil {
			r.detach(d)
		}
	})
	return nil
}
