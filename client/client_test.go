package client

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qvcloud/relay"
	"github.com/qvcloud/relay/transports/inproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers requests with reply and records what it received.
type fakeBroker struct {
	r     relay.Router
	reply func(id string, frames relay.Frames) relay.Frames

	mu   sync.Mutex
	seen []relay.Frames
}

func startFakeBroker(t *testing.T, tr relay.Transport, reply func(string, relay.Frames) relay.Frames) *fakeBroker {
	t.Helper()
	r, err := tr.Listen("clients")
	require.NoError(t, err)

	b := &fakeBroker{r: r, reply: reply}
	go func() {
		for {
			id, frames, err := r.Recv(context.Background())
			if err != nil {
				return
			}
			b.mu.Lock()
			b.seen = append(b.seen, frames)
			b.mu.Unlock()
			if resp := b.reply(id, frames); resp != nil {
				r.Send(id, resp)
			}
		}
	}()
	t.Cleanup(func() { r.Close() })
	return b
}

func (b *fakeBroker) requests() []relay.Frames {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]relay.Frames(nil), b.seen...)
}

func knownTopics(topics ...string) func(string, relay.Frames) relay.Frames {
	return func(_ string, frames relay.Frames) relay.Frames {
		arg, _ := relay.CommandArg(frames)
		for _, t := range topics {
			if arg == t {
				return relay.NewFrames(relay.OK)
			}
		}
		return relay.NewFrames(relay.BadRequest)
	}
}

func newTestClient(t *testing.T, tr relay.Transport, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		Addr("clients"),
		Timeout(10 * time.Millisecond),
		RegisterTimeout(20 * time.Millisecond),
	}, opts...)
	c := New(tr, opts...)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		c := New(inproc.New(), WithLogger(nil))
		assert.NotNil(t, c.Options().Logger)
	})
}

func TestClient_Defaults(t *testing.T) {
	c := New(inproc.New())
	opts := c.Options()
	assert.Equal(t, DefaultAddr, opts.Addr)
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, DefaultRegisterTimeout, opts.RegisterTimeout)
	assert.Equal(t, DefaultRetries, opts.Retries)
	assert.True(t, strings.HasPrefix(c.Identity(), "C"))

	other := New(inproc.New())
	assert.NotEqual(t, c.Identity(), other.Identity())

	named := New(inproc.New(), Identity("C1"))
	assert.Equal(t, "C1", named.Identity())
}

func TestClient_Register(t *testing.T) {
	tr := inproc.New()
	b := startFakeBroker(t, tr, knownTopics("AAPL", "GOOG"))
	c := newTestClient(t, tr)
	ctx := context.Background()

	t.Run("Accepted", func(t *testing.T) {
		require.NoError(t, c.Register(ctx, "AAPL"))
		assert.Equal(t, []string{"AAPL"}, c.Topics())
	})

	t.Run("AcceptedTwice", func(t *testing.T) {
		require.NoError(t, c.Register(ctx, "AAPL"))
		assert.Equal(t, []string{"AAPL"}, c.Topics())
	})

	t.Run("Rejected", func(t *testing.T) {
		err := c.Register(ctx, "MSFT")
		assert.ErrorIs(t, err, ErrRejected)
		assert.Equal(t, []string{"AAPL"}, c.Topics())
	})

	t.Run("Order", func(t *testing.T) {
		require.NoError(t, c.Register(ctx, "GOOG"))
		assert.Equal(t, []string{"AAPL", "GOOG"}, c.Topics())
	})

	reqs := b.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, relay.NewFrames(relay.Register, "AAPL"), reqs[0])
	assert.Equal(t, relay.NewFrames(relay.Register, "MSFT"), reqs[2])
}

func TestClient_RegisterRetries(t *testing.T) {
	tr := inproc.New()
	var mu sync.Mutex
	calls := 0
	b := startFakeBroker(t, tr, func(string, relay.Frames) relay.Frames {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil
		}
		return relay.NewFrames(relay.OK)
	})
	c := newTestClient(t, tr, Retries(3))

	require.NoError(t, c.Register(context.Background(), "AAPL"))
	assert.Len(t, b.requests(), 3)
	assert.Equal(t, []string{"AAPL"}, c.Topics())
}

func TestClient_RegisterNoResponse(t *testing.T) {
	tr := inproc.New()
	b := startFakeBroker(t, tr, func(string, relay.Frames) relay.Frames { return nil })
	c := newTestClient(t, tr, Retries(2))

	err := c.Register(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Len(t, b.requests(), 2)
	assert.Empty(t, c.Topics())
}

func TestClient_RegisterNotConnected(t *testing.T) {
	c := New(inproc.New(), Addr("clients"))
	assert.ErrorIs(t, c.Register(context.Background(), "AAPL"), relay.ErrNotConnected)
}

func TestClient_RegisterKeepsEarlyUpdates(t *testing.T) {
	tr := inproc.New()
	var b *fakeBroker
	b = startFakeBroker(t, tr, func(id string, frames relay.Frames) relay.Frames {
		if arg, _ := relay.CommandArg(frames); arg == "GOOG" {
			// an AAPL update overtakes the response
			b.r.Send(id, relay.NewFrames("{AAPL} 101.00"))
		}
		return relay.NewFrames(relay.OK)
	})
	c := newTestClient(t, tr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "AAPL"))
	require.NoError(t, c.Register(ctx, "GOOG"))

	var got []relay.Update
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := c.Consume(cctx, func(_ context.Context, u relay.Update) error {
		got = append(got, u)
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Topic)
	assert.InDelta(t, 101.0, got[0].Value, 1e-9)
}

func TestClient_Unregister(t *testing.T) {
	tr := inproc.New()
	b := startFakeBroker(t, tr, knownTopics("AAPL", "GOOG"))
	c := newTestClient(t, tr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "AAPL"))
	require.NoError(t, c.Register(ctx, "GOOG"))
	require.NoError(t, c.Unregister(ctx, "AAPL"))
	assert.Equal(t, []string{"GOOG"}, c.Topics())
	assert.ErrorIs(t, c.Unregister(ctx, "MSFT"), ErrRejected)

	reqs := b.requests()
	assert.Equal(t, relay.NewFrames(relay.Unregister, "AAPL"), reqs[2])
}

func TestClient_ConsumeNothing(t *testing.T) {
	tr := inproc.New()
	startFakeBroker(t, tr, knownTopics())
	c := newTestClient(t, tr)

	assert.ErrorIs(t, c.Register(context.Background(), "MSFT"), ErrRejected)
	assert.NoError(t, c.Consume(context.Background(), nil))

	// the connection is released
	assert.ErrorIs(t, c.Register(context.Background(), "MSFT"), relay.ErrNotConnected)
}

func TestClient_ConsumeUntilGone(t *testing.T) {
	tr := inproc.New()
	b := startFakeBroker(t, tr, knownTopics("AAPL"))
	c := newTestClient(t, tr)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "AAPL"))

	id := c.Identity()
	require.NoError(t, b.r.Send(id, relay.NewFrames("{AAPL} 100.00")))
	require.NoError(t, b.r.Send(id, relay.Frames{}))
	require.NoError(t, b.r.Send(id, relay.NewFrames("garbage")))
	require.NoError(t, b.r.Send(id, relay.NewFrames(relay.OK)))
	require.NoError(t, b.r.Send(id, relay.NewFrames("{AAPL} 98.10")))
	require.NoError(t, b.r.Send(id, relay.NewFrames(relay.Gone, "AAPL")))

	var got []relay.Update
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, u relay.Update) error {
			got = append(got, u)
			return assert.AnError
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return")
	}

	require.Len(t, got, 3)
	assert.Equal(t, "AAPL", got[0].Topic)
	assert.InDelta(t, 100.0, got[0].Value, 1e-9)
	assert.False(t, got[1].Parsed)
	assert.Equal(t, "garbage", got[1].String())
	assert.InDelta(t, 98.1, got[2].Value, 1e-9)
	assert.Empty(t, c.Topics())
}

func TestClient_ConsumeKeepsPolling(t *testing.T) {
	tr := inproc.New()
	b := startFakeBroker(t, tr, knownTopics("AAPL"))
	c := newTestClient(t, tr)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "AAPL"))

	go func() {
		// several poll windows pass before anything arrives
		time.Sleep(50 * time.Millisecond)
		b.r.Send(c.Identity(), relay.NewFrames("{AAPL} 1.00"))
	}()

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var got relay.Update
	err := c.Consume(cctx, func(_ context.Context, u relay.Update) error {
		got = u
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "{AAPL} 1.00", got.String())
}
