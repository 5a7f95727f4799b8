package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNatsConn implements natsConn interface
type mockNatsConn struct {
	publishFunc func(m *nats.Msg) error
	closeCalled bool
}

func (m *mockNatsConn) PublishMsg(msg *nats.Msg) error {
	if m.publishFunc != nil {
		return m.publishFunc(msg)
	}
	return nil
}

func (m *mockNatsConn) Close() {
	m.closeCalled = true
}

func TestNATS_Basic(t *testing.T) {
	s := NewSink(relay.ClientID("relay-broker")).(*natsSink)
	mock := &mockNatsConn{}

	assert.Equal(t, "nats", s.String())
	assert.Equal(t, nats.DefaultURL, s.Address())

	var got []nats.Option
	s.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		got = opts
		return mock, nil
	}

	require.NoError(t, s.Connect())
	assert.True(t, s.running)
	assert.Len(t, got, 1)
	require.NoError(t, s.Connect())

	require.NoError(t, s.Close())
	assert.True(t, mock.closeCalled)
	assert.False(t, s.running)
	assert.ErrorIs(t, s.Connect(), relay.ErrClosed)
}

func TestNATS_Publish(t *testing.T) {
	s := NewSink(relay.Addrs("nats://localhost:4222")).(*natsSink)
	mock := &mockNatsConn{}
	s.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		assert.Equal(t, "nats://localhost:4222", addr)
		return mock, nil
	}
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "relay.updates.AAPL", m.Subject)
			assert.Equal(t, []byte("{AAPL} 103.42"), m.Data)
			assert.Equal(t, "AAPL", m.Header.Get(TopicHeader))
			return nil
		}
		assert.NoError(t, s.Publish(ctx, "AAPL", []byte("{AAPL} 103.42")))
	})

	t.Run("DottedTopic", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			assert.Equal(t, "relay.updates.BRK_B", m.Subject)
			assert.Equal(t, "BRK.B", m.Header.Get(TopicHeader))
			return nil
		}
		assert.NoError(t, s.Publish(ctx, "BRK.B", []byte("{BRK.B} 1.00")))
	})

	t.Run("Error", func(t *testing.T) {
		mock.publishFunc = func(m *nats.Msg) error {
			return errors.New("nats error")
		}
		assert.Error(t, s.Publish(ctx, "AAPL", []byte("fail")))
	})
}

func TestNATS_Options(t *testing.T) {
	s := NewSink(
		WithSubjectPrefix("quotes."),
		WithMaxReconnect(10),
		WithReconnectWait(time.Second),
	).(*natsSink)
	mock := &mockNatsConn{}
	var got []nats.Option
	s.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		got = opts
		return mock, nil
	}

	var subject string
	mock.publishFunc = func(m *nats.Msg) error {
		subject = m.Subject
		return nil
	}
	require.NoError(t, s.Publish(context.Background(), "GOOG", []byte("x")))
	assert.Equal(t, "quotes.GOOG", subject)
	assert.Len(t, got, 2)
	assert.Empty(t, relay.Unconsumed(s.opts.Context))
}

func TestNATS_ConnectFailure(t *testing.T) {
	s := NewSink().(*natsSink)
	s.newConn = func(addr string, opts ...nats.Option) (natsConn, error) {
		return nil, errors.New("connection failed")
	}
	assert.Error(t, s.Connect())
	assert.Error(t, s.Publish(context.Background(), "AAPL", nil))
}
