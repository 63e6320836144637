package mqttclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicbridge/broker"
	bridgeerrors "github.com/c360/topicbridge/errors"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type simpleMessage struct {
	topic   string
	payload []byte
}

func (m *simpleMessage) Duplicate() bool   { return false }
func (m *simpleMessage) Qos() byte         { return 1 }
func (m *simpleMessage) Retained() bool    { return false }
func (m *simpleMessage) Topic() string     { return m.topic }
func (m *simpleMessage) MessageID() uint16 { return 0 }
func (m *simpleMessage) Payload() []byte   { return m.payload }
func (m *simpleMessage) Ack()              {}

// fakePaho is an in-memory MQTT.Client with a clean session.
type fakePaho struct {
	opts *MQTT.ClientOptions

	mu         sync.Mutex
	connected  bool
	open       bool
	connectErr error
	subs       map[string]MQTT.MessageHandler
	published  map[string][][]byte
}

func newFakePaho(opts *MQTT.ClientOptions) *fakePaho {
	return &fakePaho{
		opts:      opts,
		subs:      make(map[string]MQTT.MessageHandler),
		published: make(map[string][][]byte),
	}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakePaho) Connect() MQTT.Token {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return &doneToken{err: err}
	}
	f.connected, f.open = true, true
	f.mu.Unlock()
	f.opts.OnConnect(f)
	return &doneToken{}
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected, f.open = false, false
}

func (f *fakePaho) Publish(topic string, _ byte, _ bool, payload interface{}) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload.([]byte))
	return &doneToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb MQTT.MessageHandler) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = cb
	return &doneToken{}
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, cb MQTT.MessageHandler) MQTT.Token {
	for topic, qos := range filters {
		f.Subscribe(topic, qos, cb)
	}
	return &doneToken{}
}

func (f *fakePaho) Unsubscribe(topics ...string) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subs, t)
	}
	return &doneToken{}
}

func (f *fakePaho) AddRoute(string, MQTT.MessageHandler) {}

func (f *fakePaho) OptionsReader() MQTT.ClientOptionsReader { return MQTT.ClientOptionsReader{} }

// drop simulates a lost connection while paho keeps reconnecting.
func (f *fakePaho) drop(err error) {
	f.mu.Lock()
	f.open = false
	f.subs = make(map[string]MQTT.MessageHandler)
	f.mu.Unlock()
	f.opts.OnConnectionLost(f, err)
}

func (f *fakePaho) restore() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.opts.OnConnect(f)
}

func (f *fakePaho) deliver(topic string, payload []byte) int {
	f.mu.Lock()
	var handlers []MQTT.MessageHandler
	shared := map[string]bool{}
	for filter, h := range f.subs {
		if filter == topic {
			handlers = append(handlers, h)
			continue
		}
		if rest, ok := strings.CutPrefix(filter, "$share/"); ok {
			group, t, _ := strings.Cut(rest, "/")
			if t == topic && !shared[group] {
				shared[group] = true
				handlers = append(handlers, h)
			}
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(f, &simpleMessage{topic: topic, payload: payload})
	}
	return len(handlers)
}

func (f *fakePaho) publishedTo(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

func newTestClient(t *testing.T, events broker.Events) (*Client, *fakePaho) {
	t.Helper()
	c := New(DefaultConfig(), events, nil)
	var fake *fakePaho
	c.newClient = func(opts *MQTT.ClientOptions) MQTT.Client {
		fake = newFakePaho(opts)
		return fake
	}
	require.NoError(t, c.Connect(context.Background()))
	return c, fake
}

func TestSubjectTopicMapping(t *testing.T) {
	assert.Equal(t, "rig7/gps/fix", SubjectToTopic("rig7.gps.fix"))
	assert.Equal(t, "rig7/+/fix", SubjectToTopic("rig7.*.fix"))
	assert.Equal(t, "rig7/#", SubjectToTopic("rig7.>"))
	assert.Equal(t, "rig7.gps.fix", TopicToSubject("rig7/gps/fix"))

	assert.Equal(t, "rig7", filterFor("rig7", ""))
	assert.Equal(t, "$share/workers/rig7", filterFor("rig7", "workers"))
}

func TestNew_GeneratesClientID(t *testing.T) {
	c := New(Config{BrokerURL: "tcp://localhost:1883"}, broker.Events{}, nil)
	assert.True(t, strings.HasPrefix(c.cfg.ClientID, "topicbridge-"))
	assert.Equal(t, DefaultConfig().PublishTimeout, c.cfg.PublishTimeout)
}

func TestConnect_FailureIsTransient(t *testing.T) {
	c := New(DefaultConfig(), broker.Events{}, nil)
	c.newClient = func(opts *MQTT.ClientOptions) MQTT.Client {
		fake := newFakePaho(opts)
		fake.connectErr = errors.New("connection refused")
		return fake
	}

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsTransient(err))
}

func TestPublishAndSubscribe(t *testing.T) {
	c, fake := newTestClient(t, broker.Events{})
	ctx := context.Background()

	got := make(chan *broker.Message, 2)
	sub, err := c.Subscribe(ctx, "rig7", "workers", func(_ context.Context, msg *broker.Message) {
		got <- msg
	})
	require.NoError(t, err)
	assert.Equal(t, "rig7", sub.Subject())

	assert.Equal(t, 1, fake.deliver("rig7", []byte(`{"topics":[]}`)))
	msg := <-got
	assert.Equal(t, "rig7", msg.Subject)
	assert.Empty(t, msg.Reply)
	assert.Equal(t, `{"topics":[]}`, string(msg.Data))

	require.NoError(t, c.Publish(ctx, "rig7.gps.fix", []byte(`{}`)))
	assert.Equal(t, 1, fake.publishedTo("rig7/gps/fix"))

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, fake.deliver("rig7", []byte(`{}`)))
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	var disconnects, reconnects atomic.Int32
	c, fake := newTestClient(t, broker.Events{
		OnDisconnect: func(error) { disconnects.Add(1) },
		OnReconnect:  func() { reconnects.Add(1) },
	})
	ctx := context.Background()

	var received atomic.Int32
	_, err := c.Subscribe(ctx, "rig7", "workers", func(context.Context, *broker.Message) { received.Add(1) })
	require.NoError(t, err)

	fake.drop(errors.New("EOF"))
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, 0, fake.deliver("rig7", []byte(`{}`)))

	// queued while reconnecting
	require.NoError(t, c.Publish(ctx, "register_node", []byte(`{}`)))

	fake.restore()
	assert.Equal(t, int32(1), reconnects.Load())
	assert.Equal(t, 1, fake.deliver("rig7", []byte(`{}`)))
	assert.Equal(t, int32(1), received.Load())
}

func TestClose(t *testing.T) {
	c, fake := newTestClient(t, broker.Events{})
	ctx := context.Background()

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.False(t, fake.IsConnected())

	err := c.Publish(ctx, "rig7", nil)
	assert.ErrorIs(t, err, bridgeerrors.ErrLinkClosed)

	err = c.Connect(ctx)
	assert.True(t, bridgeerrors.IsFatal(err))
}

func TestPublish_NotConnected(t *testing.T) {
	c := New(DefaultConfig(), broker.Events{}, nil)
	err := c.Publish(context.Background(), "rig7", nil)
	assert.ErrorIs(t, err, bridgeerrors.ErrNotConnected)
}
