// Package websocket carries relay messages over websocket connections, one
// binary message per multipart message.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/qvcloud/relay"
)

const writeWait = 5 * time.Second

type Transport struct {
	opts relay.Options
}

func New(opts ...relay.Option) *Transport {
	return &Transport{opts: *relay.NewOptions(opts...)}
}

func (t *Transport) String() string { return "websocket" }

// peer is one websocket connection. gorilla allows a single concurrent
// writer, so writes are serialized.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *peer) close() error {
	p.mu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.mu.Unlock()
	return p.conn.Close()
}

type envelope struct {
	identity string
	frames   relay.Frames
}

type router struct {
	s        settings
	log      *slog.Logger
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	inbox chan envelope
	done  chan struct{}
	once  sync.Once

	mu    sync.RWMutex
	peers map[string]*peer
}

// Listen binds addr and serves websocket upgrades on the configured path.
// With a TLS config the listener speaks TLS.
func (t *Transport) Listen(addr string, opts ...relay.Option) (relay.Router, error) {
	s := t.settings(opts)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket: listen %s: %w", addr, err)
	}
	if s.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}

	r := &router{
		s:   s,
		log: s.opts.Logger.With("component", "websocket", "addr", ln.Addr().String()),
		ln:  ln,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: s.handshake,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		inbox: make(chan envelope, s.buffer),
		done:  make(chan struct{}),
		peers: make(map[string]*peer),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, r.serve)
	r.srv = &http.Server{Handler: mux, ReadHeaderTimeout: s.handshake}

	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("serve failed", "error", err)
		}
	}()
	return r, nil
}

func (r *router) Addr() string { return r.ln.Addr().String() }

func (r *router) serve(w http.ResponseWriter, req *http.Request) {
	identity := req.Header.Get(IdentityHeader)
	if identity == "" {
		identity = uuid.NewString()
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("upgrade failed", "error", err)
		return
	}
	p := &peer{conn: conn}

	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		conn.Close()
		return
	default:
	}
	// a reconnecting dealer takes over its identity
	old := r.peers[identity]
	r.peers[identity] = p
	r.mu.Unlock()
	if old != nil {
		old.close()
	}

	defer func() {
		r.mu.Lock()
		if r.peers[identity] == p {
			delete(r.peers, identity)
		}
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("connection lost", "identity", identity, "error", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		frames, err := relay.DecodeFrames(r.s.opts.Codec, data)
		if err != nil {
			r.log.Debug("dropping undecodable message", "identity", identity, "error", err)
			continue
		}
		select {
		case r.inbox <- envelope{identity: identity, frames: frames}:
		case <-r.done:
			return
		}
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
	p, ok := r.peers[identity]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := relay.EncodeFrames(r.s.opts.Codec, frames)
	if err != nil {
		return fmt.Errorf("websocket: encode: %w", err)
	}
	if err := p.write(data); err != nil {
		r.log.Debug("write failed", "identity", identity, "error", err)
	}
	return nil
}

func (r *router) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		close(r.done)
		peers := r.peers
		r.peers = make(map[string]*peer)
		r.mu.Unlock()

		// hijacked connections are not closed by the server
		for _, p := range peers {
			p.close()
		}
		err = r.srv.Close()
	})
	return err
}

type dealer struct {
	s        settings
	log      *slog.Logger
	url      string
	identity string
	header   http.Header
	dialer   *websocket.Dialer

	inbox  chan relay.Frames
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	peer *peer
}

// Dial connects to the router at addr. The first attempt is synchronous;
// when it fails the dealer keeps dialing in the background and messages
// sent in the meantime are dropped.
func (t *Transport) Dial(addr, identity string, opts ...relay.Option) (relay.Dealer, error) {
	s := t.settings(opts)
	if identity == "" {
		identity = uuid.NewString()
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: s.path}
	if s.opts.TLSConfig != nil {
		u.Scheme = "wss"
	}

	header := http.Header{}
	header.Set(IdentityHeader, identity)

	ctx, cancel := context.WithCancel(context.Background())
	d := &dealer{
		s:        s,
		log:      s.opts.Logger.With("component", "websocket", "url", u.String(), "identity", identity),
		url:      u.String(),
		identity: identity,
		header:   header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: s.handshake,
			TLSClientConfig:  s.opts.TLSConfig,
		},
		inbox:  make(chan relay.Frames, s.buffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	p, err := d.connect()
	if err != nil {
		d.log.Debug("broker not reachable yet", "error", err)
	}
	go d.run(p)
	return d, nil
}

func (d *dealer) Identity() string { return d.identity }

func (d *dealer) connect() (*peer, error) {
	conn, _, err := d.dialer.DialContext(d.ctx, d.url, d.header)
	if err != nil {
		return nil, err
	}
	p := &peer{conn: conn}
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		conn.Close()
		return nil, relay.ErrClosed
	default:
	}
	d.peer = p
	return p, nil
}

func (d *dealer) run(p *peer) {
	for {
		if p != nil {
			d.read(p)
			d.mu.Lock()
			if d.peer == p {
				d.peer = nil
			}
			d.mu.Unlock()
		}

		select {
		case <-d.done:
			return
		case <-time.After(d.s.redial):
		}

		var err error
		if p, err = d.connect(); err != nil {
			d.log.Debug("redial failed", "error", err)
		}
	}
}

func (d *dealer) read(p *peer) {
	defer p.conn.Close()
	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.log.Debug("connection lost", "error", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		frames, err := relay.DecodeFrames(d.s.opts.Codec, data)
		if err != nil {
			d.log.Debug("dropping undecodable message", "error", err)
			continue
		}
		select {
		case d.inbox <- frames:
		case <-d.done:
			return
		}
	}
}

func (d *dealer) Send(frames relay.Frames) error {
	select {
	case <-d.done:
		return relay.ErrClosed
	default:
	}

	d.mu.Lock()
	p := d.peer
	d.mu.Unlock()
	if p == nil {
		return nil
	}

	data, err := relay.EncodeFrames(d.s.opts.Codec, frames)
	if err != nil {
		return fmt.Errorf("websocket: encode: %w", err)
	}
	if err := p.write(data); err != nil {
		d.log.Debug("write failed", "error", err)
	}
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
		d.cancel()
		d.mu.Lock()
		p := d.peer
		d.peer = nil
		d.mu.Unlock()
		if p != nil {
			p.close()
		}
	})
	return nil
}
