package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/errors"
)

type mockSub struct {
	owner   *MockBroker
	id      int
	subject string
	queue   string
	ctx     context.Context
	handler broker.Handler
}

func (s *mockSub) Subject() string { return s.subject }

func (s *mockSub) Unsubscribe() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	delete(s.owner.subs, s.id)
	return nil
}

type pendingPublish struct {
	subject string
	data    []byte
}

// MockBroker is an in-memory broker.Link for tests. It is safe for
// concurrent use.
type MockBroker struct {
	mu sync.RWMutex

	events broker.Events

	connected       bool
	closed          bool
	connectAttempts int
	failConnects    int
	connectErr      error

	publishErr   error
	subscribeErr error

	nextSubID int
	subs      map[int]*mockSub

	messages  map[string][][]byte
	streamed  map[string][][]byte
	snapshots map[string][]byte
	pending   []pendingPublish
	inboxSeq  int
}

// NewMockBroker creates a disconnected mock broker.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		subs:      make(map[int]*mockSub),
		messages:  make(map[string][][]byte),
		streamed:  make(map[string][][]byte),
		snapshots: make(map[string][]byte),
	}
}

// SetEvents installs lifecycle callbacks fired by SimulateDisconnect and
// SimulateReconnect.
func (m *MockBroker) SetEvents(ev broker.Events) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = ev
}

// FailConnects makes the next n Connect calls fail with err.
func (m *MockBroker) FailConnects(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnects = n
	m.connectErr = err
}

// SetPublishError makes every subsequent Publish fail with err (nil clears it).
func (m *MockBroker) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// SetSubscribeError makes every subsequent Subscribe fail with err.
func (m *MockBroker) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Connect implements broker.Link.
func (m *MockBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectAttempts++
	if m.failConnects > 0 {
		m.failConnects--
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Publish implements broker.Link. While disconnected, publishes are buffered
// and flushed on SimulateReconnect, like a NATS reconnect buffer.
func (m *MockBroker) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return errors.ErrLinkClosed
	case m.publishErr != nil:
		err := m.publishErr
		m.mu.Unlock()
		return err
	case !m.connected && m.connectAttempts == 0:
		m.mu.Unlock()
		return errors.ErrNotConnected
	case !m.connected:
		m.pending = append(m.pending, pendingPublish{subject: subject, data: copyBytes(data)})
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.deliver(ctx, subject, "", data)
	return nil
}

// PublishToStream implements broker.StreamPublisher.
func (m *MockBroker) PublishToStream(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	m.streamed[subject] = append(m.streamed[subject], copyBytes(data))
	m.mu.Unlock()
	return nil
}

// PutSnapshot implements broker.SnapshotStore.
func (m *MockBroker) PutSnapshot(_ context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[bucket+"/"+key] = copyBytes(data)
	return nil
}

// Subscribe implements broker.Link.
func (m *MockBroker) Subscribe(
	ctx context.Context, subject, queue string, handler broker.Handler,
) (broker.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.ErrLinkClosed
	}
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	if !m.connected {
		return nil, errors.ErrNotConnected
	}

	m.nextSubID++
	sub := &mockSub{
		owner:   m,
		id:      m.nextSubID,
		subject: subject,
		queue:   queue,
		ctx:     ctx,
		handler: handler,
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// Close implements broker.Link.
func (m *MockBroker) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	m.subs = make(map[int]*mockSub)
	return nil
}

// Inject delivers data to subscribers of subject as if a remote peer had
// published it.
func (m *MockBroker) Inject(subject string, data []byte) {
	m.deliver(context.Background(), subject, "", data)
}

// Request delivers data to subscribers of subject with a fresh reply inbox
// and returns the inbox subject so the test can inspect the response.
func (m *MockBroker) Request(subject string, data []byte) string {
	m.mu.Lock()
	m.inboxSeq++
	inbox := fmt.Sprintf("_INBOX.mock.%d", m.inboxSeq)
	m.mu.Unlock()

	m.deliver(context.Background(), subject, inbox, data)
	return inbox
}

// SimulateDisconnect drops the connection and fires OnDisconnect.
func (m *MockBroker) SimulateDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	ev := m.events
	m.mu.Unlock()

	ev.Disconnected(err)
}

// SimulateReconnect restores the connection, flushes buffered publishes and
// fires OnReconnect.
func (m *MockBroker) SimulateReconnect() {
	m.mu.Lock()
	m.connected = true
	pending := m.pending
	m.pending = nil
	ev := m.events
	m.mu.Unlock()

	for _, p := range pending {
		m.deliver(context.Background(), p.subject, "", p.data)
	}
	ev.Reconnected()
}

func (m *MockBroker) deliver(ctx context.Context, subject, reply string, data []byte) {
	m.mu.Lock()
	m.messages[subject] = append(m.messages[subject], copyBytes(data))

	var targets []*mockSub
	seenQueue := make(map[string]bool)
	for _, sub := range m.subs {
		if sub.subject != subject {
			continue
		}
		if sub.queue != "" {
			if seenQueue[sub.queue] {
				continue
			}
			seenQueue[sub.queue] = true
		}
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	// Handlers run outside the lock so they may publish.
	for _, sub := range targets {
		hctx := sub.ctx
		if hctx == nil {
			hctx = ctx
		}
		sub.handler(hctx, &broker.Message{Subject: subject, Reply: reply, Data: copyBytes(data)})
	}
}

// IsConnected reports whether the mock is connected.
func (m *MockBroker) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ConnectAttempts returns the number of Connect calls made.
func (m *MockBroker) ConnectAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectAttempts
}

// SubscriptionCount returns the number of live subscriptions on subject.
func (m *MockBroker) SubscriptionCount(subject string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sub := range m.subs {
		if sub.subject == subject {
			n++
		}
	}
	return n
}

// Messages returns a copy of all payloads published to subject.
func (m *MockBroker) Messages(subject string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// MessageCount returns the number of payloads published to subject.
func (m *MockBroker) MessageCount(subject string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[subject])
}

// StreamMessages returns payloads published through PublishToStream.
func (m *MockBroker) StreamMessages(subject string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([][]byte, len(m.streamed[subject]))
	copy(result, m.streamed[subject])
	return result
}

// Snapshot returns the latest value stored with PutSnapshot.
func (m *MockBroker) Snapshot(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.snapshots[bucket+"/"+key]
	return data, ok
}

// WaitForMessages polls until at least n payloads were published to subject.
func (m *MockBroker) WaitForMessages(subject string, n int, timeout time.Duration) bool {
	return WaitFor(timeout, func() bool { return m.MessageCount(subject) >= n })
}

// WaitFor polls cond every few milliseconds until it holds or timeout expires.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
