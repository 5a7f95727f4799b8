package websocket

import (
	"time"

	"github.com/qvcloud/relay"
)

const (
	// IdentityHeader carries the dealer identity in the upgrade request.
	IdentityHeader = "X-Relay-Identity"

	defaultPath             = "/relay"
	defaultRedial           = 500 * time.Millisecond
	defaultHandshakeTimeout = 5 * time.Second
	defaultBuffer           = 256
)

type pathKey struct{}
type redialKey struct{}
type handshakeKey struct{}
type bufferKey struct{}

// WithPath sets the HTTP path the router upgrades on and dealers dial.
func WithPath(path string) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, pathKey{}, path, "websocket.WithPath")
	}
}

// WithRedial sets how long a dealer waits before dialing again after the
// connection dropped.
func WithRedial(d time.Duration) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, redialKey{}, d, "websocket.WithRedial")
	}
}

func WithHandshakeTimeout(d time.Duration) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, handshakeKey{}, d, "websocket.WithHandshakeTimeout")
	}
}

// WithBuffer sets the length of the receive queue of an endpoint.
func WithBuffer(n int) relay.Option {
	return func(o *relay.Options) {
		o.Context = relay.WithTrackedValue(o.Context, bufferKey{}, n, "websocket.WithBuffer")
	}
}

type settings struct {
	opts      relay.Options
	path      string
	redial    time.Duration
	handshake time.Duration
	buffer    int
}

func (t *Transport) settings(opts []relay.Option) settings {
	o := t.opts
	for _, opt := range opts {
		opt(&o)
	}

	s := settings{
		opts:      o,
		path:      defaultPath,
		redial:    defaultRedial,
		handshake: defaultHandshakeTimeout,
		buffer:    defaultBuffer,
	}
	if v, ok := relay.GetTrackedValue(o.Context, pathKey{}).(string); ok && v != "" {
		s.path = v
	}
	if v, ok := relay.GetTrackedValue(o.Context, redialKey{}).(time.Duration); ok && v > 0 {
		s.redial = v
	}
	if v, ok := relay.GetTrackedValue(o.Context, handshakeKey{}).(time.Duration); ok && v > 0 {
		s.handshake = v
	}
	if v, ok := relay.GetTrackedValue(o.Context, bufferKey{}).(int); ok && v > 0 {
		s.buffer = v
	}
	relay.WarnUnconsumed(o.Context, o.Logger)
	return s
}
