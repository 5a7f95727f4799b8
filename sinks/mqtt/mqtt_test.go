package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/qvcloud/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	awaitErr         error
	publishFunc      func(p *paho.Publish) error
	disconnectCalled bool
}

func (m *mockConn) AwaitConnection(ctx context.Context) error { return m.awaitErr }

func (m *mockConn) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if m.publishFunc != nil {
		if err := m.publishFunc(p); err != nil {
			return nil, err
		}
	}
	return &paho.PublishResponse{}, nil
}

func (m *mockConn) Disconnect(ctx context.Context) error {
	m.disconnectCalled = true
	return nil
}

func newTestSink(mock *mockConn, opts ...relay.Option) (*mqttSink, *autopaho.ClientConfig) {
	s := NewSink(opts...).(*mqttSink)
	cfg := &autopaho.ClientConfig{}
	s.newConn = func(_ context.Context, c autopaho.ClientConfig) (mqttConn, error) {
		*cfg = c
		return mock, nil
	}
	return s, cfg
}

func TestMQTT_Basic(t *testing.T) {
	s := NewSink()
	assert.Equal(t, "mqtt", s.String())
	assert.Equal(t, defaultAddr, s.(*mqttSink).Address())
}

func TestMQTT_Connect(t *testing.T) {
	mock := &mockConn{}
	s, cfg := newTestSink(mock, relay.Addrs("mqtt://broker:1883"), WithCredentials("relay", "secret"))

	require.NoError(t, s.Connect())
	require.NoError(t, s.Connect())
	require.Len(t, cfg.ServerUrls, 1)
	assert.Equal(t, "broker:1883", cfg.ServerUrls[0].Host)
	assert.True(t, strings.HasPrefix(cfg.ClientConfig.ClientID, "relay-"))
	assert.Equal(t, "relay", cfg.ConnectUsername)
	assert.Equal(t, []byte("secret"), cfg.ConnectPassword)

	require.NoError(t, s.Close())
	assert.True(t, mock.disconnectCalled)
	assert.ErrorIs(t, s.Connect(), relay.ErrClosed)
}

func TestMQTT_ConnectTimesOutInBackground(t *testing.T) {
	mock := &mockConn{awaitErr: context.DeadlineExceeded}
	s, _ := newTestSink(mock, relay.ClientID("relay-broker"), WithConnectTimeout(time.Millisecond))
	assert.NoError(t, s.Connect())
	assert.True(t, s.running)
}

func TestMQTT_ConnectFailures(t *testing.T) {
	s := NewSink(relay.Addrs("://bad")).(*mqttSink)
	assert.Error(t, s.Connect())

	s = NewSink().(*mqttSink)
	s.newConn = func(context.Context, autopaho.ClientConfig) (mqttConn, error) {
		return nil, errors.New("invalid config")
	}
	assert.Error(t, s.Connect())
	assert.False(t, s.running)
}

func TestMQTT_Publish(t *testing.T) {
	mock := &mockConn{}
	s, cfg := newTestSink(mock, WithTopicPrefix("quotes/"), WithQoS(1), WithRetain(true), relay.ClientID("relay-broker"))
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.publishFunc = func(p *paho.Publish) error {
			assert.Equal(t, "quotes/AAPL", p.Topic)
			assert.Equal(t, []byte("{AAPL} 103.42"), p.Payload)
			assert.Equal(t, byte(1), p.QoS)
			assert.True(t, p.Retain)
			return nil
		}
		assert.NoError(t, s.Publish(ctx, "AAPL", []byte("{AAPL} 103.42")))
		assert.Equal(t, "relay-broker", cfg.ClientConfig.ClientID)
		assert.Empty(t, relay.Unconsumed(s.opts.Context))
	})

	t.Run("Error", func(t *testing.T) {
		mock.publishFunc = func(*paho.Publish) error { return errors.New("not connected") }
		assert.Error(t, s.Publish(ctx, "AAPL", []byte("x")))
	})
}
