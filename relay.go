// Package relay defines the contracts shared by the heartbeat relay: the
// frame-oriented transport the broker, workers and clients talk over, the
// sinks the broker mirrors relayed updates into, and the wire protocol they
// speak.
package relay

import (
	"context"
)

// Frames is one multipart message. Frame order is preserved end to end.
type Frames [][]byte

// NewFrames builds a message from string frames.
func NewFrames(parts ...string) Frames {
	f := make(Frames, len(parts))
	for i, p := range parts {
		f[i] = []byte(p)
	}
	return f
}

// Clone returns a deep copy of the message.
func (f Frames) Clone() Frames {
	out := make(Frames, len(f))
	for i, p := range f {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Transport creates the two kinds of endpoints the relay needs.
type Transport interface {
	// Listen binds a router endpoint at addr.
	Listen(addr string, opts ...Option) (Router, error)
	// Dial creates a dealer endpoint connected to addr. The identity is
	// what the router sees as the sender address; an empty identity lets
	// the transport assign one.
	Dial(addr, identity string, opts ...Option) (Dealer, error)
	String() string
}

// Router is the bound side of a connection. It receives messages tagged with
// the sender's identity and can address any connected dealer.
type Router interface {
	// Recv blocks until a message arrives, ctx is done or the router is closed.
	Recv(ctx context.Context) (identity string, frames Frames, err error)
	// Send delivers frames to identity. Messages for unknown identities are
	// dropped without error.
	Send(identity string, frames Frames) error
	Addr() string
	Close() error
}

// Dealer is the connecting side of a connection.
type Dealer interface {
	Identity() string
	Send(frames Frames) error
	// Recv blocks until a message arrives, ctx is done or the dealer is closed.
	Recv(ctx context.Context) (Frames, error)
	Close() error
}

// Sink receives a copy of every update the broker relays.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
	String() string
}

// Handler processes updates surfaced by a client.
type Handler func(context.Context, Update) error

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
	String() string
}
