// Package client implements a relay consumer: it registers for topics with
// the broker and hands every relayed update to a handler.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/relay"
)

var (
	// ErrRejected is returned when the broker does not know the topic.
	ErrRejected = errors.New("client: registration rejected")
	// ErrNoResponse is returned when every attempt of a request timed out.
	ErrNoResponse = errors.New("client: no response from broker")
)

type Client struct {
	opts      Options
	transport relay.Transport
	log       *slog.Logger

	mu      sync.Mutex
	conn    relay.Dealer
	topics  []string
	pending []relay.Frames
}

func New(t relay.Transport, opts ...Option) *Client {
	options := NewOptions(opts...)
	if options.Identity == "" {
		options.Identity = "C" + uuid.NewString()
	}
	return &Client{
		opts:      options,
		transport: t,
		log:       options.Logger.With("component", "client", "client", options.Identity),
	}
}

func (c *Client) Options() Options { return c.opts }

func (c *Client) Identity() string { return c.opts.Identity }

// Connect opens the connection to the broker.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	c.log.Info("connecting to the broker", "addr", c.opts.Addr)
	conn, err := c.transport.Dial(c.opts.Addr, c.opts.Identity, c.opts.TransportOptions...)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.opts.Addr, err)
	}
	c.conn = conn
	return nil
}

// Close releases the connection. Registrations are forgotten locally.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.topics = nil
	c.pending = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.log.Info("closing connection")
	return conn.Close()
}

// Topics returns the topics the client is registered to.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *Client) dealer() (relay.Dealer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, relay.ErrNotConnected
	}
	return c.conn, nil
}

// Register asks the broker for the updates of topic.
func (c *Client) Register(ctx context.Context, topic string) error {
	c.log.Info("sending register request", "topic", topic)
	outcome, err := c.request(ctx, relay.NewFrames(relay.Register, topic))
	if err != nil {
		return err
	}
	c.log.Info("got response from broker", "topic", topic, "response", outcome)
	if outcome != relay.OK {
		return fmt.Errorf("%w: %s", ErrRejected, topic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.topics {
		if t == topic {
			return nil
		}
	}
	c.topics = append(c.topics, topic)
	return nil
}

// Unregister stops the updates of topic.
func (c *Client) Unregister(ctx context.Context, topic string) error {
	c.log.Info("sending unregister request", "topic", topic)
	outcome, err := c.request(ctx, relay.NewFrames(relay.Unregister, topic))
	if err != nil {
		return err
	}
	if outcome != relay.OK {
		return fmt.Errorf("%w: %s", ErrRejected, topic)
	}
	c.drop(topic)
	return nil
}

func (c *Client) drop(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.topics {
		if t == topic {
			c.topics = append(c.topics[:i], c.topics[i+1:]...)
			return
		}
	}
}

func isResponse(frames relay.Frames) bool {
	if len(frames) != 1 {
		return false
	}
	s := string(frames[0])
	return s == relay.OK || s == relay.BadRequest
}

// request sends frames and waits for OK or BAD REQUEST. Updates arriving in
// the meantime are kept for Consume.
func (c *Client) request(ctx context.Context, frames relay.Frames) (string, error) {
	conn, err := c.dealer()
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		if attempt > 1 {
			c.log.Warn("no response from broker, retrying", "attempt", attempt)
		}
		if err := conn.Send(frames); err != nil {
			return "", fmt.Errorf("client: send: %w", err)
		}

		deadline := time.Now().Add(c.opts.RegisterTimeout)
		for {
			rctx, cancel := context.WithDeadline(ctx, deadline)
			resp, err := conn.Recv(rctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				if errors.Is(err, context.DeadlineExceeded) {
					break
				}
				return "", err
			}
			if isResponse(resp) {
				return string(resp[0]), nil
			}
			c.mu.Lock()
			c.pending = append(c.pending, resp)
			c.mu.Unlock()
		}
	}
	return "", ErrNoResponse
}

func (c *Client) next() (relay.Frames, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, false
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, true
}

// Consume hands relayed updates to h until the client has no registered
// topic left, then closes the connection and returns nil. A nil handler
// only logs the updates.
func (c *Client) Consume(ctx context.Context, h relay.Handler) error {
	for {
		if len(c.Topics()) == 0 {
			c.log.Info("nothing to consume, exiting")
			return c.Close()
		}

		frames, ok := c.next()
		if !ok {
			conn, err := c.dealer()
			if err != nil {
				return err
			}
			pctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			frames, err = conn.Recv(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				return err
			}
		}
		c.handle(ctx, frames, h)
	}
}

func (c *Client) handle(ctx context.Context, frames relay.Frames, h relay.Handler) {
	switch {
	case len(frames) == 0 || len(frames[0]) == 0:
		c.log.Info("received an empty message")
	case relay.IsCommand(frames, relay.Gone):
		topic, _ := relay.CommandArg(frames)
		c.log.Warn("topic is gone", "topic", topic)
		c.drop(topic)
	case isResponse(frames):
		c.log.Debug("late response from broker", "response", string(frames[0]))
	default:
		u := relay.ParseUpdate(frames[0])
		c.log.Info("new message", "message", u.String())
		if h == nil {
			return
		}
		if err := h(ctx, u); err != nil {
			c.log.Warn("handler failed", "message", u.String(), "error", err)
		}
	}
}
