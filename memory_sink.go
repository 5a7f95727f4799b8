package relay

import (
	"context"
	"sync"
)

// Mirrored is one update captured by a MemorySink.
type Mirrored struct {
	Topic   string
	Payload []byte
}

// MemorySink keeps mirrored updates in memory and optionally hands each one
// to a callback. It is meant for tests and single process setups.
type MemorySink struct {
	sync.RWMutex
	updates []Mirrored
	notify  func(Mirrored)
	closed  bool
}

// NewMemorySink returns a sink calling notify, if set, for every update.
func NewMemorySink(notify func(Mirrored)) *MemorySink {
	return &MemorySink{notify: notify}
}

func (s *MemorySink) Publish(ctx context.Context, topic string, payload []byte) error {
	m := Mirrored{Topic: topic, Payload: append([]byte(nil), payload...)}

	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrClosed
	}
	s.updates = append(s.updates, m)
	s.Unlock()

	if s.notify != nil {
		s.notify(m)
	}
	return nil
}

// Updates returns a snapshot of everything published so far.
func (s *MemorySink) Updates() []Mirrored {
	s.RLock()
	defer s.RUnlock()
	return append([]Mirrored(nil), s.updates...)
}

func (s *MemorySink) Close() error {
	s.Lock()
	s.closed = true
	s.Unlock()
	return nil
}

func (s *MemorySink) String() string {
	return "memory"
}
