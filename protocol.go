package relay

import (
	"bytes"
	"fmt"
	"strconv"
)

// Wire sentinels.
const (
	Heartbeat  = "HEARTBEAT"
	Advertise  = "ADVERTISE"
	Register   = "REGISTER"
	Unregister = "UNREGISTER"
	OK         = "OK"
	BadRequest = "BAD REQUEST"
	Gone       = "GONE"
)

// IsHeartbeat reports whether frames is a heartbeat. A producer heartbeat
// may carry its topic as a second frame.
func IsHeartbeat(frames Frames) bool {
	return (len(frames) == 1 || len(frames) == 2) && string(frames[0]) == Heartbeat
}

// IsCommand reports whether frames starts with the given sentinel.
func IsCommand(frames Frames, cmd string) bool {
	return len(frames) > 0 && string(frames[0]) == cmd
}

// CommandArg returns the argument frame of a two-frame command.
func CommandArg(frames Frames) (string, bool) {
	if len(frames) < 2 || len(frames[1]) == 0 {
		return "", false
	}
	return string(frames[1]), true
}

// Update is a decoded data update.
type Update struct {
	Topic string
	Value float64
	// Raw is the payload frame as the producer sent it.
	Raw []byte
	// Parsed is false when Raw is not in the "{topic} value" form.
	Parsed bool
}

func (u Update) String() string {
	return string(u.Raw)
}

// FormatUpdate renders the payload of a data update.
func FormatUpdate(topic string, value float64) []byte {
	return []byte(fmt.Sprintf("{%s} %.2f", topic, value))
}

// ParseUpdate decodes a "{topic} value" payload. Payloads that do not match
// are returned with only Raw set.
func ParseUpdate(payload []byte) Update {
	u := Update{Raw: payload}
	if len(payload) < 2 || payload[0] != '{' {
		return u
	}
	end := bytes.IndexByte(payload, '}')
	if end < 0 || end+1 >= len(payload) || payload[end+1] != ' ' {
		return u
	}
	v, err := strconv.ParseFloat(string(bytes.TrimSpace(payload[end+2:])), 64)
	if err != nil {
		return u
	}
	u.Topic = string(payload[1:end])
	u.Value = v
	u.Parsed = true
	return u
}
