package localbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/topicbridge/errors"
)

// Memory is an in-process Transport. Topics are advertised with AddTopic and
// messages delivered synchronously by Publish.
type Memory struct {
	mu      sync.RWMutex
	topics  []TopicInfo
	subs    map[string]map[int]Callback
	nextID  int
	listErr error
	subErr  error

	subscribeCalls map[string]int
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		subs:           make(map[string]map[int]Callback),
		subscribeCalls: make(map[string]int),
	}
}

// AddTopic advertises a topic. Duplicates are kept as given.
func (m *Memory) AddTopic(name, typeName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, TopicInfo{Name: name, Type: typeName})
}

// SetListError makes ListTopics fail with err until cleared with nil.
func (m *Memory) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetSubscribeError makes Subscribe fail with err until cleared with nil.
func (m *Memory) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subErr = err
}

// ListTopics implements Transport.
func (m *Memory) ListTopics(ctx context.Context) ([]TopicInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listErr != nil {
		return nil, errors.WrapTransient(m.listErr, "Memory", "ListTopics", "list topics")
	}
	out := make([]TopicInfo, len(m.topics))
	copy(out, m.topics)
	return out, nil
}

// Subscribe implements Transport.
func (m *Memory) Subscribe(ctx context.Context, topic, _ string, cb Callback) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil callback for %s", topic), "Memory", "Subscribe", "validate callback")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return nil, errors.WrapTransient(m.subErr, "Memory", "Subscribe", "subscribe "+topic)
	}

	m.subscribeCalls[topic]++
	m.nextID++
	id := m.nextID
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]Callback)
	}
	m.subs[topic][id] = cb
	return &memoryHandle{bus: m, topic: topic, id: id}, nil
}

// Publish delivers msg to every subscriber of topic and reports how many
// callbacks ran.
func (m *Memory) Publish(topic string, msg []byte) int {
	m.mu.RLock()
	cbs := make([]Callback, 0, len(m.subs[topic]))
	for _, cb := range m.subs[topic] {
		cbs = append(cbs, cb)
	}
	m.mu.RUnlock()

	for _, cb := range cbs {
		data := make(RawMessage, len(msg))
		copy(data, msg)
		cb(data)
	}
	return len(cbs)
}

// SubscribeCalls reports how many times Subscribe succeeded for topic.
func (m *Memory) SubscribeCalls(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscribeCalls[topic]
}

// Subscribers reports the live subscriptions for topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

type memoryHandle struct {
	bus   *Memory
	topic string
	id    int
	once  sync.Once
}

func (h *memoryHandle) Unsubscribe() error {
	h.once.Do(func() {
		h.bus.mu.Lock()
		defer h.bus.mu.Unlock()
		delete(h.bus.subs[h.topic], h.id)
		if len(h.bus.subs[h.topic]) == 0 {
			delete(h.bus.subs, h.topic)
		}
	})
	return nil
}
