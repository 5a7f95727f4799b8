package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJsonMarshaler(t *testing.T) {
	m := JsonMarshaler{}
	assert.Equal(t, "json", m.String())

	t.Run("PayloadPassesThrough", func(t *testing.T) {
		payload := FormatUpdate("AAPL", 103.42)
		out, err := m.Marshal(payload)
		require.NoError(t, err)
		assert.Equal(t, payload, out)

		out, err = m.Marshal(Heartbeat)
		require.NoError(t, err)
		assert.Equal(t, []byte("HEARTBEAT"), out)
	})

	t.Run("Mirrored", func(t *testing.T) {
		out, err := m.Marshal(Mirrored{Topic: "GOOG", Payload: []byte("{GOOG} 2800.00")})
		require.NoError(t, err)

		var back Mirrored
		require.NoError(t, m.Unmarshal(out, &back))
		assert.Equal(t, "GOOG", back.Topic)
		assert.Equal(t, "{GOOG} 2800.00", string(back.Payload))
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		var frames [][]byte
		assert.Error(t, m.Unmarshal([]byte(`{invalid}`), &frames))
	})
}

func TestEncodeDecodeFrames(t *testing.T) {
	frames := NewFrames(Register, "AAPL")

	data, err := EncodeFrames(JsonMarshaler{}, frames)
	assert.NoError(t, err)

	decoded, err := DecodeFrames(nil, data)
	assert.NoError(t, err)
	assert.Equal(t, frames, decoded)

	t.Run("Empty", func(t *testing.T) {
		_, err := DecodeFrames(JsonMarshaler{}, nil)
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := DecodeFrames(JsonMarshaler{}, []byte("not frames"))
		assert.Error(t, err)
	})
}
