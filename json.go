package relay

import (
	"encoding/json"
	"errors"
)

type JsonMarshaler struct{}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	return json.Unmarshal(d, v)
}

func (j JsonMarshaler) String() string {
	return "json"
}

var errEmptyMessage = errors.New("relay: empty message")

// EncodeFrames packs a multipart message into one payload.
func EncodeFrames(c Marshaler, frames Frames) ([]byte, error) {
	if c == nil {
		c = JsonMarshaler{}
	}
	return c.Marshal([][]byte(frames))
}

// DecodeFrames unpacks a payload produced by EncodeFrames.
func DecodeFrames(c Marshaler, data []byte) (Frames, error) {
	if c == nil {
		c = JsonMarshaler{}
	}
	if len(data) == 0 {
		return nil, errEmptyMessage
	}
	var frames [][]byte
	if err := c.Unmarshal(data, &frames); err != nil {
		return nil, err
	}
	return Frames(frames), nil
}
