package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/metric"
	"github.com/c360/topicbridge/schema"
)

// DefaultQueue is the queue group subscription requests are received in.
const DefaultQueue = "workers"

// Request statuses
const (
	requestOK      = "ok"
	requestPartial = "partial"
	requestInvalid = "invalid"
)

// subscriptionRequestSchema rejects payloads that are not a list of
// name/type pairs. Names are absolute paths whose segments are valid subject
// tokens; ValidateTopic applies the same rule to every bind.
const subscriptionRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["topics"],
	"properties": {
		"topics": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type"],
				"properties": {
					"name": {"type": "string", "pattern": "^(/[^\\s.*>/]+)+$"},
					"type": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var requestSchema = mustCompileSchema(subscriptionRequestSchema)

func mustCompileSchema(s string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compile subscription request schema: %v", err))
	}
	return compiled
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	NodeID string
	Queue  string
	// AutoRelayInterval is the cadence of RunAutoRelay.
	AutoRelayInterval time.Duration
}

// Controller binds topics on request from the orchestrator.
type Controller struct {
	cfg      ControllerConfig
	link     broker.Link
	local    localbus.Transport
	resolver schema.Resolver
	registry *Registry
	relay    RelayOptions
	metrics  *metric.Metrics
	logger   *slog.Logger

	relayCtx context.Context
	sub      broker.Subscription

	// skipped holds topics already warned about.
	skipped sync.Map
}

// NewController creates a controller that records bindings in registry.
func NewController(
	cfg ControllerConfig, link broker.Link, local localbus.Transport,
	resolver schema.Resolver, registry *Registry, relay RelayOptions,
	metrics *metric.Metrics, logger *slog.Logger,
) *Controller {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.AutoRelayInterval <= 0 {
		cfg.AutoRelayInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if relay.Logger == nil {
		relay.Logger = logger
	}
	if relay.Metrics == nil {
		relay.Metrics = metrics
	}
	return &Controller{
		cfg:      cfg,
		link:     link,
		local:    local,
		resolver: resolver,
		registry: registry,
		relay:    relay,
		metrics:  metrics,
		logger:   logger,
		relayCtx: context.Background(),
	}
}

// Start subscribes to the node's request subject. It is called once; the
// broker backend keeps the subscription across reconnects. A failure is
// fatal. Relays created later publish under ctx.
func (c *Controller) Start(ctx context.Context) error {
	if c.sub != nil {
		return nil
	}
	c.relayCtx = ctx

	subject := RequestSubject(c.cfg.NodeID)
	sub, err := c.link.Subscribe(ctx, subject, c.cfg.Queue, c.handleRequest)
	if err != nil {
		c.logger.Error("Failed to subscribe for subscription requests",
			"component", "controller",
			"subject", subject,
			"queue", c.cfg.Queue,
			"error", err)
		return errors.WrapFatal(err, "Controller", "Start", "subscribe to "+subject)
	}
	c.sub = sub

	c.logger.Info("Listening for subscription requests",
		"component", "controller",
		"subject", subject,
		"queue", c.cfg.Queue)
	return nil
}

// Stop removes the request subscription.
func (c *Controller) Stop() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Unsubscribe()
	c.sub = nil
	return err
}

func (c *Controller) handleRequest(ctx context.Context, msg *broker.Message) {
	req, err := ParseSubscriptionRequest(msg.Data)
	if err != nil {
		c.metrics.RecordRequest(requestInvalid)
		c.logger.Warn("Dropping invalid subscription request",
			"component", "controller",
			"subject", msg.Subject,
			"error", err)
		return
	}

	if _, failed := c.Apply(ctx, req); failed > 0 {
		c.metrics.RecordRequest(requestPartial)
		return
	}
	c.metrics.RecordRequest(requestOK)
}

// ParseSubscriptionRequest validates and decodes a request payload.
func ParseSubscriptionRequest(data []byte) (SubscriptionRequest, error) {
	result, err := requestSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return SubscriptionRequest{}, errors.WrapInvalid(err, "Controller", "ParseSubscriptionRequest", "parse payload")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return SubscriptionRequest{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
			"Controller", "ParseSubscriptionRequest", "validate payload")
	}

	var req SubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return SubscriptionRequest{}, errors.WrapInvalid(err, "Controller", "ParseSubscriptionRequest", "decode payload")
	}
	return req, nil
}

// Apply binds every topic in req that is not yet bound. It returns how many
// bindings were created and how many topics could not be bound.
func (c *Controller) Apply(ctx context.Context, req SubscriptionRequest) (created, failed int) {
	for _, d := range req.Topics {
		ok, err := c.Bind(ctx, d)
		switch {
		case err != nil:
			failed++
		case ok:
			created++
		}
	}
	if created > 0 {
		c.metrics.RecordBindings(c.registry.Len())
	}
	return created, failed
}

// Bind binds a single topic. Already bound topics are a no-op. Topics whose
// name fails ValidateTopic or whose type cannot be resolved are skipped and
// reported as an invalid error.
func (c *Controller) Bind(ctx context.Context, d TopicDescriptor) (bool, error) {
	if err := ValidateTopic(d.Name); err != nil {
		c.metrics.RecordTopicRejected(metric.RejectInvalidTopic)
		c.logOnce(ctx, d, "Skipping topic whose name cannot be mapped to a subject", err)
		return false, err
	}

	created, err := c.registry.Bind(ctx, d.Name, func(ctx context.Context) (*Binding, error) {
		return c.newBinding(ctx, d)
	})
	if err != nil {
		return false, err
	}
	if created {
		b, _ := c.registry.Get(d.Name)
		c.logger.Info("Relaying topic",
			"component", "controller",
			"topic", d.Name,
			"type", d.Type,
			"subject", b.Subject)
	}
	return created, nil
}

func (c *Controller) newBinding(ctx context.Context, d TopicDescriptor) (*Binding, error) {
	decoder, err := c.resolver.Resolve(d.Type)
	if err != nil {
		c.metrics.RecordTopicRejected(metric.RejectUnknownType)
		c.logOnce(ctx, d, "Skipping topic with unresolvable type", err)
		return nil, err
	}

	relay := NewRelay(c.relayCtx, c.link, c.cfg.NodeID, d.Name, d.Type, decoder, c.relay)
	handle, err := c.local.Subscribe(ctx, d.Name, d.Type, relay.Handle)
	if err != nil {
		c.logger.Error("Local subscribe failed",
			"component", "controller",
			"topic", d.Name,
			"type", d.Type,
			"error", err)
		return nil, errors.WrapTransient(err, "Controller", "newBinding", "subscribe "+d.Name)
	}

	return &Binding{
		Topic:   d.Name,
		Type:    d.Type,
		Subject: relay.Subject(),
		handle:  handle,
	}, nil
}

// logOnce warns the first time a topic is skipped and logs at debug after,
// so auto-relay does not repeat the warning every tick.
func (c *Controller) logOnce(ctx context.Context, d TopicDescriptor, msg string, err error) {
	level := slog.LevelWarn
	if _, seen := c.skipped.LoadOrStore(d.Name, d.Type); seen {
		level = slog.LevelDebug
	}
	c.logger.Log(ctx, level, msg,
		"component", "controller",
		"topic", d.Name,
		"type", d.Type,
		"error", err)
}

// RunAutoRelay binds every advertised local topic on each interval until ctx
// is done. Inventory failures are retried on the next tick.
func (c *Controller) RunAutoRelay(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.AutoRelayInterval)
	defer ticker.Stop()

	for {
		topics, err := c.local.ListTopics(ctx)
		if err == nil {
			c.Apply(ctx, SubscriptionRequest{Topics: dedupeTopics(topics)})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
