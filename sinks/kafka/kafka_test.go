package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/qvcloud/relay"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	writeFunc   func(ctx context.Context, msgs ...kafka.Message) error
	closeCalled bool
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.writeFunc != nil {
		return m.writeFunc(ctx, msgs...)
	}
	return nil
}

func (m *mockWriter) Close() error {
	m.closeCalled = true
	return nil
}

func newTestSink(t *testing.T, opts ...relay.Option) (*kafkaSink, *mockWriter, **kafka.Writer) {
	t.Helper()
	s := NewSink(opts...).(*kafkaSink)
	mock := &mockWriter{}
	var built *kafka.Writer
	s.newWriter = func(w *kafka.Writer) kafkaWriter {
		built = w
		return mock
	}
	return s, mock, &built
}

func TestKafka_Basic(t *testing.T) {
	s := NewSink(relay.Addrs("127.0.0.1:9092"))
	assert.Equal(t, "kafka", s.String())
	assert.Equal(t, "127.0.0.1:9092", s.(*kafkaSink).Address())
}

func TestKafka_ConnectRequiresAddrs(t *testing.T) {
	s, _, _ := newTestSink(t)
	assert.Error(t, s.Connect())
	assert.Error(t, s.Publish(context.Background(), "AAPL", []byte("{AAPL} 1.00")))
}

func TestKafka_Publish(t *testing.T) {
	s, mock, built := newTestSink(t, relay.Addrs("k1:9092", "k2:9092"))
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.writeFunc = func(_ context.Context, msgs ...kafka.Message) error {
			require.Len(t, msgs, 1)
			assert.Equal(t, "relay.AAPL", msgs[0].Topic)
			assert.Equal(t, []byte("AAPL"), msgs[0].Key)
			assert.Equal(t, []byte("{AAPL} 103.42"), msgs[0].Value)
			assert.Equal(t, "relay-topic", msgs[0].Headers[0].Key)
			return nil
		}
		assert.NoError(t, s.Publish(ctx, "AAPL", []byte("{AAPL} 103.42")))
		require.NotNil(t, *built)
		assert.Contains(t, (*built).Addr.String(), "k1:9092")
	})

	t.Run("Error", func(t *testing.T) {
		mock.writeFunc = func(context.Context, ...kafka.Message) error {
			return errors.New("leader not available")
		}
		assert.Error(t, s.Publish(ctx, "AAPL", []byte("x")))
	})

	require.NoError(t, s.Close())
	assert.True(t, mock.closeCalled)
	assert.ErrorIs(t, s.Publish(ctx, "AAPL", []byte("x")), relay.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestKafka_Options(t *testing.T) {
	s, mock, built := newTestSink(t,
		relay.Addrs("k1:9092"),
		relay.ClientID("relay-broker"),
		WithTopicPrefix("quotes-"),
		WithRequiredAcks(-1),
		WithAsync(true),
	)

	var topic string
	mock.writeFunc = func(_ context.Context, msgs ...kafka.Message) error {
		topic = msgs[0].Topic
		return nil
	}
	require.NoError(t, s.Publish(context.Background(), "GOOG", []byte("{GOOG} 1.00")))

	assert.Equal(t, "quotes-GOOG", topic)
	assert.Equal(t, kafka.RequireAll, (*built).RequiredAcks)
	assert.True(t, (*built).Async)
	tr, ok := (*built).Transport.(*kafka.Transport)
	require.True(t, ok)
	assert.Equal(t, "relay-broker", tr.ClientID)
	assert.Empty(t, relay.Unconsumed(s.opts.Context))
}
