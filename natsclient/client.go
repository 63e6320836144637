// Package natsclient is the NATS backend of broker.Link.
package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is a NATS connection that reconnects on its own once established.
// Publishes issued while reconnecting are buffered by nats.go and flushed on
// reconnect.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger
	events broker.Events

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	buckets map[string]jetstream.KeyValue

	// Connection options
	maxReconnects   int
	reconnectWait   time.Duration
	reconnectBuffer int
	pingInterval    time.Duration
	timeout         time.Duration
	drainTimeout    time.Duration
	handlerTimeout  time.Duration

	// Authentication - cleared on close
	username string
	password string
	token    string

	// TLS
	tlsConfig *tls.Config

	clientName string

	reconnects atomic.Int64

	mu     sync.RWMutex
	closed atomic.Bool
}

var (
	_ broker.Link            = (*Client)(nil)
	_ broker.StreamPublisher = (*Client)(nil)
	_ broker.SnapshotStore   = (*Client)(nil)
)

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:             url,
		logger:          slog.Default(),
		buckets:         make(map[string]jetstream.KeyValue),
		maxReconnects:   -1,
		reconnectWait:   2 * time.Second,
		reconnectBuffer: nats.DefaultReconnectBufSize,
		pingInterval:    30 * time.Second,
		timeout:         5 * time.Second,
		drainTimeout:    30 * time.Second,
		handlerTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient", "url", url)
	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is up
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Reconnects returns how many times the connection was re-established.
func (m *Client) Reconnects() int64 {
	return m.reconnects.Load()
}

// buildConnectionOptions builds NATS connection options from client configuration
func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.ReconnectBufSize(m.reconnectBuffer),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}

	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect makes one attempt to reach the server. After it succeeds nats.go
// reconnects on its own for the life of the client.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(errors.ErrLinkClosed, "Client", "Connect", "check state")
	}

	m.mu.RLock()
	existing := m.conn
	m.mu.RUnlock()
	if existing != nil && !existing.IsClosed() {
		return nil
	}

	m.setStatus(StatusConnecting)
	m.logger.Debug("connecting to NATS")

	opts := m.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		connectDone <- result{conn: conn, err: err}
	}()

	var res result
	select {
	case res = <-connectDone:
	case <-ctx.Done():
		m.setStatus(StatusDisconnected)
		// close a connection that lands after cancellation
		go func() {
			if late := <-connectDone; late.conn != nil {
				late.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
	if res.err != nil {
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		m.logger.Warn("JetStream unavailable", "error", err)
	}

	m.mu.Lock()
	m.conn = res.conn
	m.js = js
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	m.logger.Info("connected to NATS")
	return nil
}

// Close drains subscriptions and closes the connection.
func (m *Client) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) &&
			!stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		conn := m.conn
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain"))
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username = ""
	m.password = ""
	m.token = ""
	m.setStatus(StatusClosed)

	return stderrors.Join(errs...)
}

// Publish sends data to subject. While nats.go is reconnecting the message
// is buffered; it fails only when the client never connected or is closed.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if m.closed.Load() {
		return errors.WrapFatal(errors.ErrLinkClosed, "Client", "Publish", "check state")
	}
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "check connection")
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPublishFailed, err), "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe subscribes handler to subject. A non-empty queue joins that
// queue group so each message reaches one member. nats.go restores the
// subscription after reconnects.
func (m *Client) Subscribe(ctx context.Context, subject, queue string, handler broker.Handler) (broker.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.conn.IsClosed() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "Subscribe", "check connection")
	}

	cb := func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
		defer cancel()
		handler(msgCtx, &broker.Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = m.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = m.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", "subscribe "+subject)
	}

	m.subs = append(m.subs, sub)
	return &subscription{sub: sub}, nil
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Subject() string { return s.sub.Subject }

func (s *subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "error", err)
	m.events.Disconnected(err)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.reconnects.Add(1)
	m.logger.Info("NATS reconnected")
	m.events.Reconnected()
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusClosed)
	m.logger.Debug("NATS connection closed")
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	m.logger.Error("NATS async error", "subject", subject, "error", err)
}
