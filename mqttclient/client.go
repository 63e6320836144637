// Package mqttclient is the MQTT backend of broker.Link. Subjects use the
// dot notation of the bridge and are mapped to slash-separated topics; queue
// groups become "$share/<group>/<topic>" subscriptions. paho speaks MQTT
// 3.1.1, so queue groups need a broker that honours $share on 3.1.1 sessions
// (EMQX, HiveMQ, Mosquitto 2); elsewhere every member receives every message.
package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/errors"
)

// Config holds MQTT connection settings.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	MaxReconnect   time.Duration
	// TLS is used for ssl://, tls:// and wss:// brokers when set.
	TLS *tls.Config
}

// DefaultConfig returns settings for a local broker.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		MaxReconnect:   time.Minute,
	}
}

type subscription struct {
	client  *Client
	subject string
	filter  string
	handler MQTT.MessageHandler
}

func (s *subscription) Subject() string { return s.subject }

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s)
}

// Client is a paho-backed broker.Link.
type Client struct {
	cfg    Config
	logger *slog.Logger
	events broker.Events

	newClient func(*MQTT.ClientOptions) MQTT.Client

	mu     sync.Mutex
	paho   MQTT.Client
	subs   map[string]*subscription
	closed bool

	connects atomic.Int64
}

var _ broker.Link = (*Client)(nil)

// New creates an MQTT link. Connect must be called before use.
func New(cfg Config, events broker.Events, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "topicbridge-" + uuid.NewString()[:8]
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Client{
		cfg:       cfg,
		logger:    logger.With("component", "mqttclient", "broker", cfg.BrokerURL),
		events:    events,
		newClient: MQTT.NewClient,
		subs:      make(map[string]*subscription),
	}
}

func (c *Client) options() *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	opts.SetCleanSession(true)
	if c.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.KeepAlive)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}
	if c.cfg.MaxReconnect > 0 {
		opts.SetMaxReconnectInterval(c.cfg.MaxReconnect)
	}
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS != nil {
		opts.SetTLSConfig(c.cfg.TLS)
	}
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	return opts
}

// Connect makes one connection attempt. Once connected paho reconnects on
// its own and subscriptions are restored by onConnectHandler.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapFatal(errors.ErrLinkClosed, "mqttclient.Client", "Connect", "check state")
	}
	if c.paho == nil {
		c.paho = c.newClient(c.options())
	}
	client := c.paho
	c.mu.Unlock()

	if client.IsConnectionOpen() {
		return nil
	}

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "mqttclient.Client", "Connect", "connection cancelled")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "mqttclient.Client", "Connect", "establish connection")
	}
	return nil
}

func (c *Client) onConnectHandler(client MQTT.Client) {
	n := c.connects.Add(1)
	if n == 1 {
		c.logger.Info("MQTT connected")
		return
	}

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.logger.Info("MQTT reconnected, restoring subscriptions", "count", len(subs))
	for _, s := range subs {
		token := client.Subscribe(s.filter, c.cfg.QoS, s.handler)
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			c.logger.Error("resubscribe failed", "filter", s.filter, "error", token.Error())
		}
	}
	c.events.Reconnected()
}

func (c *Client) connectionLostHandler(_ MQTT.Client, err error) {
	c.logger.Warn("MQTT connection lost", "error", err)
	c.events.Disconnected(err)
}

func (c *Client) client() (MQTT.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.WrapFatal(errors.ErrLinkClosed, "mqttclient.Client", "client", "check state")
	}
	if c.paho == nil || !c.paho.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "mqttclient.Client", "client", "check connection")
	}
	return c.paho, nil
}

// Publish sends data to the topic for subject. While paho is reconnecting
// the message is queued and Publish returns without waiting.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	client, err := c.client()
	if err != nil {
		return err
	}

	token := client.Publish(SubjectToTopic(subject), c.cfg.QoS, false, data)
	if !client.IsConnectionOpen() {
		return nil
	}

	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return errors.WrapTransient(errors.ErrConnectionTimeout, "mqttclient.Client", "Publish", "await ack for "+subject)
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "mqttclient.Client", "Publish", "await ack for "+subject)
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPublishFailed, err), "mqttclient.Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe implements broker.Link. MQTT has no reply subjects, so
// delivered messages never carry Reply.
func (c *Client) Subscribe(ctx context.Context, subject, queue string, handler broker.Handler) (broker.Subscription, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}

	s := &subscription{
		client:  c,
		subject: subject,
		filter:  filterFor(subject, queue),
	}
	s.handler = func(_ MQTT.Client, msg MQTT.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		handler(ctx, &broker.Message{Subject: TopicToSubject(msg.Topic()), Data: payload})
	}

	token := client.Subscribe(s.filter, c.cfg.QoS, s.handler)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "mqttclient.Client", "Subscribe", "await suback")
	}
	if err := token.Error(); err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err),
			"mqttclient.Client", "Subscribe", "subscribe "+s.filter)
	}

	c.mu.Lock()
	c.subs[s.filter] = s
	c.mu.Unlock()
	c.logger.Debug("subscribed", "filter", s.filter)
	return s, nil
}

func (c *Client) unsubscribe(s *subscription) error {
	c.mu.Lock()
	if c.subs[s.filter] != s {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, s.filter)
	client := c.paho
	c.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	if token := client.Unsubscribe(s.filter); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return errors.WrapTransient(token.Error(), "mqttclient.Client", "Unsubscribe", "unsubscribe "+s.filter)
	}
	return nil
}

// Close disconnects, waiting up to 500ms for in-flight work.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.subs = make(map[string]*subscription)
	if c.paho != nil && c.paho.IsConnected() {
		c.paho.Disconnect(500)
	}
	return nil
}
