package rosbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/localbus"
)

// fakeServer speaks just enough rosbridge for the client.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       []*websocket.Conn
	connects    int
	subscribes  map[string]int
	topics      []string
	types       []string
	failService bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:          t,
		subscribes: make(map[string]int),
		topics:     []string{"/gps/fix", "/imu"},
		types:      []string{"sensor_msgs/msg/NavSatFix", "sensor_msgs/msg/Imu"},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.connects++
	f.mu.Unlock()

	var writeMu sync.Mutex
	send := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		var op map[string]any
		if err := conn.ReadJSON(&op); err != nil {
			return
		}
		switch op["op"] {
		case opCallService:
			f.mu.Lock()
			fail := f.failService
			values := map[string]any{"topics": f.topics, "types": f.types}
			f.mu.Unlock()
			send(map[string]any{
				"op": opServiceResponse, "id": op["id"], "service": op["service"],
				"values": values, "result": !fail,
			})
		case opSubscribe:
			topic, _ := op["topic"].(string)
			f.mu.Lock()
			f.subscribes[topic]++
			f.mu.Unlock()
			send(map[string]any{"op": opPublish, "topic": topic, "msg": map[string]any{"seq": 1}})
		}
	}
}

func (f *fakeServer) kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func (f *fakeServer) subscribeCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[topic]
}

func (f *fakeServer) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second

	c := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
	return c
}

func TestClient_ListTopics(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv.url())

	topics, err := c.ListTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []localbus.TopicInfo{
		{Name: "/gps/fix", Type: "sensor_msgs/msg/NavSatFix"},
		{Name: "/imu", Type: "sensor_msgs/msg/Imu"},
	}, topics)
}

func TestClient_ListTopicsServiceFailure(t *testing.T) {
	srv := newFakeServer(t)
	srv.mu.Lock()
	srv.failService = true
	srv.mu.Unlock()
	c := startClient(t, srv.url())

	_, err := c.ListTopics(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestClient_ListTopicsWithoutServer(t *testing.T) {
	c := New(DefaultConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListTopics(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestClient_SubscribeDeliversMessages(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv.url())

	got := make(chan localbus.RawMessage, 4)
	_, err := c.Subscribe(context.Background(), "/gps/fix", "sensor_msgs/msg/NavSatFix", func(m localbus.RawMessage) {
		got <- m
	})
	require.NoError(t, err)

	select {
	case m := <-got:
		var body map[string]any
		require.NoError(t, json.Unmarshal(m, &body))
		assert.Equal(t, float64(1), body["seq"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv.url())

	got := make(chan localbus.RawMessage, 8)
	_, err := c.Subscribe(context.Background(), "/imu", "sensor_msgs/msg/Imu", func(m localbus.RawMessage) {
		got <- m
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.subscribeCount("/imu") == 1 }, 2*time.Second, 10*time.Millisecond)
	<-got

	srv.kick()

	require.Eventually(t, func() bool { return srv.connectCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.subscribeCount("/imu") == 2 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	srv := newFakeServer(t)
	c := startClient(t, srv.url())

	got := make(chan localbus.RawMessage, 8)
	h, err := c.Subscribe(context.Background(), "/imu", "sensor_msgs/msg/Imu", func(m localbus.RawMessage) {
		got <- m
	})
	require.NoError(t, err)
	<-got
	require.NoError(t, h.Unsubscribe())

	srv.kick()
	require.Eventually(t, func() bool { return srv.connectCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	// give the client a moment to replay subscriptions
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.subscribeCount("/imu"))
}
