// Package rosbridge implements localbus.Transport over the rosbridge v2
// websocket protocol.
package rosbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/pkg/retry"
)

// Config configures a rosbridge client.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	WriteTimeout     time.Duration
	Reconnect        retry.Config
	Header           http.Header
	// TLS is used for wss:// URLs when set.
	TLS *tls.Config
}

// DefaultConfig returns defaults for a rosbridge server on localhost.
func DefaultConfig() Config {
	reconnect := retry.Forever()
	reconnect.InitialDelay = 500 * time.Millisecond
	reconnect.MaxDelay = 5 * time.Second
	return Config{
		URL:              "ws://localhost:9090",
		HandshakeTimeout: 10 * time.Second,
		CallTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		Reconnect:        reconnect,
	}
}

type subscription struct {
	id       string
	topic    string
	typeName string
	cb       localbus.Callback
}

// Client is a rosbridge connection that redials until its Run context ends.
// Subscriptions survive reconnects.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{} // closed while conn is set
	subs    map[string]*subscription
	pending map[string]chan inbound

	writeMu sync.Mutex
}

var _ localbus.Transport = (*Client)(nil)

// New creates a client. Call Run to connect.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "rosbridge", "url", cfg.URL),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, TLSClientConfig: cfg.TLS},
		ready:   make(chan struct{}),
		subs:    make(map[string]*subscription),
		pending: make(map[string]chan inbound),
	}
}

// Run dials the server, replays subscriptions and reads until the
// connection drops, then redials. It returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	reconnect := c.cfg.Reconnect
	reconnect.MaxAttempts = retry.Unlimited
	reconnect.OnRetry = func(attempt int, err error, next time.Duration) {
		c.logger.Warn("rosbridge dial failed, retrying",
			"attempt", attempt, "retry_in", next, "error", err)
	}

	for {
		conn, err := retry.DoWithResult(ctx, reconnect, func() (*websocket.Conn, error) {
			conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
			return conn, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapTransient(err, "rosbridge.Client", "Run", "dial")
		}

		c.logger.Info("rosbridge connected")
		c.serve(ctx, conn)

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("rosbridge connection lost, redialing")
	}
}

// serve owns one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	close(c.ready)
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.sendSubscribe(s); err != nil {
			c.logger.Warn("resubscribe failed", "topic", s.topic, "error", err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	c.readLoop(conn)

	c.mu.Lock()
	c.conn = nil
	c.ready = make(chan struct{})
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg inbound) {
	switch msg.Op {
	case opPublish:
		c.mu.Lock()
		var cbs []localbus.Callback
		for _, s := range c.subs {
			if s.topic == msg.Topic {
				cbs = append(cbs, s.cb)
			}
		}
		c.mu.Unlock()
		for _, cb := range cbs {
			cb(localbus.RawMessage(msg.Msg))
		}

	case opServiceResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
			close(ch)
		}

	case opStatus:
		c.logger.Debug("rosbridge status", "level", msg.Level, "id", msg.ID)
	}
}

// connected returns the live connection, waiting up to ctx for one.
func (c *Client) connected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn, ready := c.conn, c.ready
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	select {
	case <-ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn == nil {
			return nil, errors.WrapTransient(errors.ErrNotConnected, "rosbridge.Client", "connected", "wait for connection")
		}
		return c.conn, nil
	case <-ctx.Done():
		return nil, errors.WrapTransient(errors.ErrNotConnected, "rosbridge.Client", "connected", "wait for connection")
	}
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// ListTopics implements localbus.Transport using the rosapi topics service.
func (c *Client) ListTopics(ctx context.Context) ([]localbus.TopicInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	conn, err := c.connected(ctx)
	if err != nil {
		return nil, err
	}

	id := "call_service:" + topicsService + ":" + uuid.NewString()
	ch := make(chan inbound, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, callServiceOp{Op: opCallService, ID: id, Service: topicsService}); err != nil {
		return nil, errors.WrapTransient(err, "rosbridge.Client", "ListTopics", "send call_service")
	}

	var resp inbound
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, errors.WrapTransient(errors.ErrConnectionLost, "rosbridge.Client", "ListTopics", "await response")
		}
		resp = r
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "rosbridge.Client", "ListTopics", "await response")
	}

	if resp.Result != nil && !*resp.Result {
		return nil, errors.WrapTransient(fmt.Errorf("service %s failed: %s", topicsService, resp.Values),
			"rosbridge.Client", "ListTopics", "call service")
	}

	var values topicsResponse
	if err := json.Unmarshal(resp.Values, &values); err != nil {
		return nil, errors.WrapInvalid(err, "rosbridge.Client", "ListTopics", "decode response")
	}
	if len(values.Topics) != len(values.Types) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d topics but %d types", errors.ErrInvalidData, len(values.Topics), len(values.Types)),
			"rosbridge.Client", "ListTopics", "decode response")
	}

	topics := make([]localbus.TopicInfo, len(values.Topics))
	for i := range values.Topics {
		topics[i] = localbus.TopicInfo{Name: values.Topics[i], Type: values.Types[i]}
	}
	return topics, nil
}

// Subscribe implements localbus.Transport. The subscription is recorded even
// while disconnected and sent once the connection is up.
func (c *Client) Subscribe(_ context.Context, topic, typeName string, cb localbus.Callback) (localbus.Handle, error) {
	if cb == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil callback for %s", topic), "rosbridge.Client", "Subscribe", "validate callback")
	}

	s := &subscription{
		id:       "subscribe:" + topic + ":" + uuid.NewString(),
		topic:    topic,
		typeName: typeName,
		cb:       cb,
	}

	c.mu.Lock()
	c.subs[s.id] = s
	live := c.conn != nil
	c.mu.Unlock()

	if live {
		if err := c.sendSubscribe(s); err != nil {
			c.mu.Lock()
			delete(c.subs, s.id)
			c.mu.Unlock()
			return nil, errors.WrapTransient(err, "rosbridge.Client", "Subscribe", "send subscribe")
		}
	}
	return &handle{client: c, sub: s}, nil
}

func (c *Client) sendSubscribe(s *subscription) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.ErrNotConnected
	}
	return c.write(conn, subscribeOp{Op: opSubscribe, ID: s.id, Topic: s.topic, Type: s.typeName})
}

type handle struct {
	client *Client
	sub    *subscription
	once   sync.Once
}

func (h *handle) Unsubscribe() error {
	var err error
	h.once.Do(func() {
		c := h.client
		c.mu.Lock()
		delete(c.subs, h.sub.id)
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = c.write(conn, unsubscribeOp{Op: opUnsubscribe, ID: h.sub.id, Topic: h.sub.topic})
		}
	})
	return err
}
