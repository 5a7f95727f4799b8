package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/qvcloud/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvRouter(t *testing.T, r relay.Router) (string, relay.Frames) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, frames, err := r.Recv(ctx)
	require.NoError(t, err)
	return id, frames
}

func recvDealer(t *testing.T, d relay.Dealer) relay.Frames {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frames, err := d.Recv(ctx)
	require.NoError(t, err)
	return frames
}

func TestTransport_RoundTrip(t *testing.T) {
	tr := New()
	assert.Equal(t, "websocket", tr.String())

	r, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer r.Close()

	d, err := tr.Dial(r.Addr(), "AAPL-1")
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, "AAPL-1", d.Identity())

	require.NoError(t, d.Send(relay.NewFrames(relay.Advertise, "AAPL")))
	require.NoError(t, d.Send(relay.NewFrames("{AAPL} 100.00")))

	id, frames := recvRouter(t, r)
	assert.Equal(t, "AAPL-1", id)
	assert.Equal(t, relay.NewFrames(relay.Advertise, "AAPL"), frames)
	_, frames = recvRouter(t, r)
	assert.Equal(t, relay.NewFrames("{AAPL} 100.00"), frames)

	require.NoError(t, r.Send("AAPL-1", relay.NewFrames(relay.Heartbeat)))
	assert.Equal(t, relay.NewFrames(relay.Heartbeat), recvDealer(t, d))

	// unknown identities are dropped
	assert.NoError(t, r.Send("nobody", relay.NewFrames(relay.Heartbeat)))
}

func TestTransport_AnonymousDealer(t *testing.T) {
	tr := New()
	r, err := tr.Listen("127.0.0.1:0", WithPath("/feed"))
	require.NoError(t, err)
	defer r.Close()

	d, err := tr.Dial(r.Addr(), "", WithPath("/feed"))
	require.NoError(t, err)
	defer d.Close()
	assert.NotEmpty(t, d.Identity())

	require.NoError(t, d.Send(relay.NewFrames(relay.Register, "AAPL")))
	id, _ := recvRouter(t, r)
	assert.Equal(t, d.Identity(), id)
}

func TestTransport_IdentityTakeover(t *testing.T) {
	tr := New()
	r, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer r.Close()

	first, err := tr.Dial(r.Addr(), "C1", WithRedial(time.Minute))
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Send(relay.NewFrames("a")))
	recvRouter(t, r)

	second, err := tr.Dial(r.Addr(), "C1")
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Send(relay.NewFrames("b")))
	recvRouter(t, r)

	require.NoError(t, r.Send("C1", relay.NewFrames(relay.OK)))
	assert.Equal(t, relay.NewFrames(relay.OK), recvDealer(t, second))
}

func TestTransport_DialBeforeListen(t *testing.T) {
	// reserve a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := New()
	d, err := tr.Dial(addr, "W1", WithRedial(10*time.Millisecond))
	require.NoError(t, err)
	defer d.Close()

	// dropped while disconnected
	assert.NoError(t, d.Send(relay.NewFrames(relay.Heartbeat)))

	r, err := tr.Listen(addr)
	require.NoError(t, err)
	defer r.Close()

	// the dealer redials in the background
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for ctx.Err() == nil {
		require.NoError(t, d.Send(relay.NewFrames(relay.Heartbeat)))
		rctx, rcancel := context.WithTimeout(ctx, 20*time.Millisecond)
		id, frames, err := r.Recv(rctx)
		rcancel()
		if err == nil {
			assert.Equal(t, "W1", id)
			assert.True(t, relay.IsHeartbeat(frames))
			return
		}
	}
	t.Fatal("dealer never reconnected")
}

func TestTransport_Close(t *testing.T) {
	tr := New()
	r, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)

	d, err := tr.Dial(r.Addr(), "W1")
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Send(relay.NewFrames("x")), relay.ErrClosed)
	_, err = d.Recv(context.Background())
	assert.ErrorIs(t, err, relay.ErrClosed)
	assert.NoError(t, d.Close())

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Send("W1", relay.NewFrames("x")), relay.ErrClosed)
	_, _, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, relay.ErrClosed)
}

func TestTransport_RecvTimeout(t *testing.T) {
	tr := New()
	r, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = r.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_ListenConflict(t *testing.T) {
	tr := New()
	r, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer r.Close()

	_, err = tr.Listen(r.Addr())
	assert.Error(t, err)
}
