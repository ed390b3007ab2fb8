package broker

import (
	"context"
	"errors"
	"sync"
)

const (
	subscriberBufferCap = 256
	replayBufferCap     = 512
)

// Memory is an in-process broker: per-topic fan-out with a bounded
// replay buffer for late subscribers. Publish order is delivery order,
// which makes per-key FIFO trivial. Used by tests and the single-node
// development mode.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool

	// failures, when positive, makes that many publishes fail. Test hook.
	failures int
	failErr  error
}

type memTopic struct {
	subs   map[uint64]chan Message
	nextID uint64
	replay []Message
	log    []Message
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memTopic)}
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("broker closed")
	}
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}

	t := m.topic(msg.Topic)
	t.log = append(t.log, msg)
	if len(t.replay) < replayBufferCap {
		t.replay = append(t.replay, msg)
	} else {
		copy(t.replay, t.replay[1:])
		t.replay[len(t.replay)-1] = msg
	}
	for _, sub := range t.subs {
		select {
		case sub <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of future messages on topic, preceded by
// a replay of the buffered tail. The channel closes when ctx ends.
func (m *Memory) Subscribe(ctx context.Context, topic string) <-chan Message {
	m.mu.Lock()
	t := m.topic(topic)
	id := t.nextID
	t.nextID++
	ch := make(chan Message, subscriberBufferCap)
	t.subs[id] = ch
	replay := append([]Message(nil), t.replay...)
	m.mu.Unlock()

	go func() {
		for _, msg := range replay {
			select {
			case ch <- msg:
			default:
			}
		}
		<-ctx.Done()
		m.mu.Lock()
		if cur, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(cur)
		}
		m.mu.Unlock()
	}()
	return ch
}

// Published returns a copy of every record published to topic, in
// publish order. Test accessor.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	return append([]Message(nil), t.log...)
}

// FailNext makes the next n publishes return err. Test hook.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failures = n
	m.failErr = err
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.topics {
		for id, ch := range t.subs {
			delete(t.subs, id)
			close(ch)
		}
	}
	return nil
}

// topic returns the named topic, creating it on first use. Callers hold
// m.mu.
func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{subs: make(map[uint64]chan Message)}
		m.topics[name] = t
	}
	return t
}
