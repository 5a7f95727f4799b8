package broker

import (
	"sort"
	"time"
)

type producerConn struct {
	id         string
	topic      string
	advertised bool
	lastSeen   time.Time
}

type topicEntry struct {
	name        string
	subscribers []string
	index       map[string]struct{}
	lastSeen    time.Time
}

// Evicted describes a topic dropped for silence and who was subscribed.
type Evicted struct {
	Topic       string
	Subscribers []string
}

// Registry is the broker's topic and subscription store. It is owned by the
// broker loop and is not safe for concurrent use.
type Registry struct {
	producers map[string]*producerConn
	topics    map[string]*topicEntry
	consumers map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		producers: make(map[string]*producerConn),
		topics:    make(map[string]*topicEntry),
		consumers: make(map[string]struct{}),
	}
}

// Connect records a producer connection. Until it advertises, the
// connection identity doubles as its topic name.
func (r *Registry) Connect(id string, now time.Time) (created bool) {
	if p, ok := r.producers[id]; ok {
		p.lastSeen = now
		return false
	}
	r.producers[id] = &producerConn{id: id, topic: id, lastSeen: now}
	return true
}

// Touch refreshes the liveness of a producer connection and of its topic,
// creating the topic if needed, and returns the topic name.
func (r *Registry) Touch(id string, now time.Time) string {
	r.Connect(id, now)
	p := r.producers[id]
	r.ensureTopic(p.topic, now)
	return p.topic
}

// Advertise binds a producer connection to a topic name. A topic created
// under the connection identity is dropped if nobody subscribed to it.
func (r *Registry) Advertise(id, name string, now time.Time) {
	r.Connect(id, now)
	p := r.producers[id]
	old := p.topic
	p.topic = name
	p.advertised = true
	r.ensureTopic(name, now)

	if old == name {
		return
	}
	if t, ok := r.topics[old]; ok && len(t.subscribers) == 0 && !r.bound(old) {
		delete(r.topics, old)
	}
}

func (r *Registry) bound(topic string) bool {
	for _, p := range r.producers {
		if p.topic == topic {
			return true
		}
	}
	return false
}

func (r *Registry) ensureTopic(name string, now time.Time) {
	t, ok := r.topics[name]
	if !ok {
		t = &topicEntry{name: name, index: make(map[string]struct{})}
		r.topics[name] = t
	}
	t.lastSeen = now
}

// TopicOf returns the topic a producer connection publishes to.
func (r *Registry) TopicOf(id string) (string, bool) {
	p, ok := r.producers[id]
	if !ok {
		return "", false
	}
	return p.topic, true
}

func (r *Registry) HasTopic(name string) bool {
	_, ok := r.topics[name]
	return ok
}

// SeeConsumer records a consumer address and reports whether it is new.
func (r *Registry) SeeConsumer(id string) bool {
	if _, ok := r.consumers[id]; ok {
		return false
	}
	r.consumers[id] = struct{}{}
	return true
}

// Subscribe adds consumer to topic. ok is false for unknown topics; added is
// false when the consumer was already subscribed.
func (r *Registry) Subscribe(topic, consumer string) (added, ok bool) {
	t, ok := r.topics[topic]
	if !ok {
		return false, false
	}
	if _, dup := t.index[consumer]; dup {
		return false, true
	}
	t.index[consumer] = struct{}{}
	t.subscribers = append(t.subscribers, consumer)
	return true, true
}

// Unsubscribe removes consumer from topic. It reports false for unknown topics.
func (r *Registry) Unsubscribe(topic, consumer string) bool {
	t, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := t.index[consumer]; !ok {
		return true
	}
	delete(t.index, consumer)
	for i, s := range t.subscribers {
		if s == consumer {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
	return true
}

// Subscribers returns the subscribers of topic in registration order.
func (r *Registry) Subscribers(topic string) []string {
	t, ok := r.topics[topic]
	if !ok {
		return nil
	}
	return append([]string(nil), t.subscribers...)
}

// Producers returns every known producer connection, sorted.
func (r *Registry) Producers() []string {
	out := make([]string, 0, len(r.producers))
	for id := range r.producers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Topics returns every known topic, sorted.
func (r *Registry) Topics() []string {
	out := make([]string, 0, len(r.topics))
	for name := range r.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Evict drops producer connections and topics not heard from since
// now-window. A zero window evicts nothing.
func (r *Registry) Evict(now time.Time, window time.Duration) (producers []string, topics []Evicted) {
	if window <= 0 {
		return nil, nil
	}
	deadline := now.Add(-window)

	for id, p := range r.producers {
		if p.lastSeen.Before(deadline) {
			delete(r.producers, id)
			producers = append(producers, id)
		}
	}
	for name, t := range r.topics {
		if t.lastSeen.Before(deadline) {
			delete(r.topics, name)
			topics = append(topics, Evicted{Topic: name, Subscribers: t.subscribers})
		}
	}

	sort.Strings(producers)
	sort.Slice(topics, func(i, j int) bool { return topics[i].Topic < topics[j].Topic })
	return producers, topics
}
