// Package worker implements a relay producer. A worker publishes a randomly
// walking value under one topic, heartbeats the broker and watches the
// broker's heartbeats. When the broker stays silent for Liveness heartbeat
// windows the worker reconnects after a jittered backoff, and it gives up
// for good after MaxReconnects consecutive attempts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/relay"
)

// State of the worker's connection state machine.
type State int32

const (
	Connected State = iota
	AwaitingReconnect
	Stopped
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case AwaitingReconnect:
		return "awaiting_reconnect"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrReconnectsExhausted is returned by Run once the worker gave up.
	ErrReconnectsExhausted = errors.New("worker: connection to the broker has been lost")
	// ErrStopped is returned when running a stopped worker.
	ErrStopped = errors.New("worker: stopped")
)

type Worker struct {
	opts      Options
	transport relay.Transport
	topic     string
	log       *slog.Logger

	state atomic.Int32

	mu    sync.Mutex
	value float64
	conn  relay.Dealer

	liveness    int
	reconnects  int
	heartbeatAt time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a worker for topic starting at value. Call Start or Run to
// connect.
func New(t relay.Transport, topic string, value float64, opts ...Option) *Worker {
	options := NewOptions(opts...)
	return &Worker{
		opts:      options,
		transport: t,
		topic:     topic,
		value:     value,
		log:       options.Logger.With("component", "worker", "topic", topic),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Topic() string { return w.topic }

func (w *Worker) Options() Options { return w.opts }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Value returns the value the next update will carry.
func (w *Worker) Value() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Identity returns the current connection identity, empty when disconnected.
func (w *Worker) Identity() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ""
	}
	return w.conn.Identity()
}

// Start connects to the broker.
func (w *Worker) Start() error {
	if w.State() == Stopped {
		return ErrStopped
	}
	w.log.Info("connecting to the broker", "addr", w.opts.Addr)
	conn, err := w.dial()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.setState(Connected)
	return nil
}

func (w *Worker) dial() (relay.Dealer, error) {
	identity := w.topic
	if !w.opts.Legacy {
		identity = w.topic + "-" + uuid.NewString()
	}

	conn, err := w.transport.Dial(w.opts.Addr, identity, w.opts.TransportOptions...)
	if err != nil {
		return nil, fmt.Errorf("worker: dial %s: %w", w.opts.Addr, err)
	}
	if !w.opts.Legacy {
		if err := conn.Send(relay.NewFrames(relay.Advertise, w.topic)); err != nil {
			w.log.Debug("advertise failed", "error", err)
		}
	}
	return conn, nil
}

// Stop closes the connection and moves the worker to Stopped for good.
func (w *Worker) Stop() error {
	w.setState(Stopped)
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.log.Info("closing connection")
	return conn.Close()
}

// Run publishes until ctx is cancelled or the reconnection budget is spent.
// Either way the connection is closed and the worker is Stopped.
func (w *Worker) Run(ctx context.Context) error {
	if w.State() == Stopped {
		return ErrStopped
	}
	w.mu.Lock()
	connected := w.conn != nil
	w.mu.Unlock()
	if !connected {
		if err := w.Start(); err != nil {
			return err
		}
	}

	w.log.Info("starting worker")
	w.liveness = w.opts.Liveness
	w.reconnects = 0
	w.heartbeatAt = w.now().Add(w.opts.HeartbeatInterval)

	for {
		if err := w.step(ctx); err != nil {
			w.Stop()
			return err
		}
	}
}

// step runs one cycle of the state machine.
func (w *Worker) step(ctx context.Context) error {
	frames, err := w.poll(ctx)
	switch {
	case err == nil:
		if !relay.IsHeartbeat(frames) {
			w.log.Debug("unexpected message from broker", "frames", len(frames))
		}
		w.reconnects = 0
		w.liveness = w.opts.Liveness
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		w.liveness--
		if w.liveness <= 0 {
			if err := w.recover(ctx); err != nil {
				return err
			}
		} else {
			w.publish()
		}
	}

	w.heartbeat()
	return w.sleep(ctx, relay.UniformDuration(w.opts.Rand, w.opts.PauseMin, w.opts.PauseMax))
}

// poll waits up to one heartbeat interval for a message from the broker.
func (w *Worker) poll(ctx context.Context) (relay.Frames, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		if err := w.sleep(ctx, w.opts.HeartbeatInterval); err != nil {
			return nil, err
		}
		return nil, relay.ErrNotConnected
	}

	pctx, cancel := context.WithTimeout(ctx, w.opts.HeartbeatInterval)
	defer cancel()
	frames, err := conn.Recv(pctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// the endpoint failed outright, still wait out the window
		if serr := w.sleep(ctx, w.opts.HeartbeatInterval); serr != nil {
			return nil, serr
		}
	}
	return frames, err
}

func (w *Worker) recover(ctx context.Context) error {
	w.setState(AwaitingReconnect)
	w.log.Warn("heartbeat failure, can't reach broker")

	backoff := relay.UniformDuration(w.opts.Rand, w.opts.BackoffMin, w.opts.BackoffMax)
	w.log.Warn("reconnecting", "in", backoff.Round(10*time.Millisecond))
	if err := w.sleep(ctx, backoff); err != nil {
		return err
	}

	w.reconnects++
	if w.reconnects > w.opts.MaxReconnects {
		w.log.Warn("connection to the broker has been lost", "reconnects", w.reconnects-1)
		return ErrReconnectsExhausted
	}

	w.reconnect()
	w.liveness = w.opts.Liveness
	w.setState(Connected)
	return nil
}

// reconnect drops the current handle before closing it so nothing acts on
// a stale connection, then dials again under the same topic.
func (w *Worker) reconnect() {
	w.log.Info("reconnecting to broker", "attempt", w.reconnects)

	w.mu.Lock()
	old := w.conn
	w.conn = nil
	w.mu.Unlock()
	if old != nil {
		old.Close()
	}

	conn, err := w.dial()
	if err != nil {
		w.log.Warn("reconnect failed", "error", err)
		return
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
}

func (w *Worker) publish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		w.log.Debug("not connected, skipping update")
		return
	}

	w.log.Info("sending current value to the broker", "value", fmt.Sprintf("%.2f", w.value))
	if err := w.conn.Send(relay.Frames{relay.FormatUpdate(w.topic, w.value)}); err != nil {
		w.log.Debug("send failed", "error", err)
	}

	p := w.opts.Perturbation
	w.value += (2*w.opts.Rand.Float64() - 1) * p * w.value
}

func (w *Worker) heartbeat() {
	now := w.now()
	if now.Before(w.heartbeatAt) {
		return
	}
	w.heartbeatAt = now.Add(w.opts.HeartbeatInterval)

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	hb := relay.NewFrames(relay.Heartbeat)
	if !w.opts.Legacy {
		// restores the topic binding if the advertisement was lost
		hb = relay.NewFrames(relay.Heartbeat, w.topic)
	}
	w.log.Debug("sending a heartbeat to the broker")
	if err := conn.Send(hb); err != nil {
		w.log.Debug("heartbeat failed", "error", err)
	}
}
