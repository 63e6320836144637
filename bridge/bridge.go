package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/config"
	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/health"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/metric"
	"github.com/c360/topicbridge/schema"
)

// Deps are the collaborators a Bridge runs on.
type Deps struct {
	Link    broker.Link
	Local   localbus.Transport
	Types   schema.Resolver
	Metrics *metric.Metrics
	Health  *health.Monitor
	Logger  *slog.Logger

	// Prepare runs once after the link first connects, before any component
	// starts. An error stops Run.
	Prepare func(ctx context.Context) error
}

// Bridge wires the registrar, controller and status responder onto one
// broker link.
type Bridge struct {
	cfg  *config.Config
	deps Deps

	registry   *Registry
	registrar  *Registrar
	controller *Controller
	responder  *StatusResponder

	dialAttempts atomic.Int64
	shutdownWait time.Duration
}

// New validates cfg against deps and builds the components.
func New(cfg *config.Config, deps Deps) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "config required")
	}
	if deps.Link == nil || deps.Local == nil || deps.Types == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "link, local transport and resolver required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor()
	}
	logger := deps.Logger.With("node_id", cfg.Node.ID)

	relayOpts := RelayOptions{Metrics: deps.Metrics, Logger: logger}
	if cfg.Relay.ErrorLogsPerSecond > 0 {
		relayOpts.ErrorLimiter = rate.NewLimiter(rate.Limit(cfg.Relay.ErrorLogsPerSecond), 1)
	}
	if cfg.Relay.JetStream {
		sp, ok := deps.Link.(broker.StreamPublisher)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: link %T cannot publish to streams", errors.ErrInvalidConfig, deps.Link),
				"Bridge", "New", "enable jetstream relay")
		}
		relayOpts.Stream = sp
	}

	regCfg := RegistrarConfig{
		NodeID:   cfg.Node.ID,
		Subject:  cfg.Registration.Subject,
		Interval: cfg.Registration.Interval.Std(),
	}
	if cfg.Registration.KVBucket != "" {
		store, ok := deps.Link.(broker.SnapshotStore)
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: link %T cannot store snapshots", errors.ErrInvalidConfig, deps.Link),
				"Bridge", "New", "enable registration snapshots")
		}
		regCfg.Bucket = cfg.Registration.KVBucket
		regCfg.Snapshots = store
	}

	registry := NewRegistry()
	b := &Bridge{
		cfg:          cfg,
		deps:         deps,
		registry:     registry,
		registrar:    NewRegistrar(regCfg, deps.Link, deps.Local, deps.Metrics, deps.Health, logger),
		shutdownWait: 5 * time.Second,
	}
	b.controller = NewController(ControllerConfig{
		NodeID:            cfg.Node.ID,
		Queue:             cfg.Subscriptions.Queue,
		AutoRelayInterval: cfg.Subscriptions.AutoRelayInterval.Std(),
	}, deps.Link, deps.Local, deps.Types, registry, relayOpts, deps.Metrics, logger)
	if cfg.Relay.StatusResponder {
		b.responder = NewStatusResponder(cfg.Node.ID, deps.Link, logger)
	}
	return b, nil
}

// LinkEvents returns broker lifecycle callbacks that log and update metrics
// and health. Pass them to the broker backend when constructing it.
func LinkEvents(metrics *metric.Metrics, monitor *health.Monitor, logger *slog.Logger) broker.Events {
	if logger == nil {
		logger = slog.Default()
	}
	return broker.Events{
		OnDisconnect: func(err error) {
			logger.Warn("Broker connection lost", "component", "broker", "error", err)
			metrics.RecordBrokerDisconnect()
			if monitor != nil {
				monitor.Update(health.ComponentBroker, health.FromError(health.ComponentBroker, err))
			}
		},
		OnReconnect: func() {
			logger.Info("Broker connection restored", "component", "broker")
			metrics.RecordBrokerReconnect()
			if monitor != nil {
				monitor.UpdateHealthy(health.ComponentBroker, "reconnected")
			}
		},
	}
}

// Registry returns the topic bindings.
func (b *Bridge) Registry() *Registry { return b.registry }

// Registrar returns the registrar.
func (b *Bridge) Registrar() *Registrar { return b.registrar }

// Controller returns the subscription controller.
func (b *Bridge) Controller() *Controller { return b.controller }

// DialAttempts returns the number of connection attempts the initial dial
// made.
func (b *Bridge) DialAttempts() int64 { return b.dialAttempts.Load() }

// Run connects the link, retrying forever, then runs every component until
// ctx is cancelled or one of them fails fatally. Bindings are released and
// the link closed before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	logger := b.deps.Logger.With("node_id", b.cfg.Node.ID)
	b.deps.Health.UpdateUnhealthy(health.ComponentBroker, "connecting")

	attempts, err := broker.Dial(ctx, b.deps.Link, broker.DialConfig{
		InitialDelay: b.cfg.Broker.DialInitialDelay.Std(),
		MaxDelay:     b.cfg.Broker.DialMaxDelay.Std(),
	}, logger)
	b.dialAttempts.Store(int64(attempts))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.deps.Metrics.RecordBrokerStatus(true)
	b.deps.Health.UpdateHealthy(health.ComponentBroker, "connected")

	defer b.shutdown(logger)

	if b.deps.Prepare != nil {
		if err := b.deps.Prepare(ctx); err != nil {
			return errors.WrapFatal(err, "Bridge", "Run", "prepare link")
		}
	}

	if err := b.controller.Start(ctx); err != nil {
		return err
	}
	if b.responder != nil {
		if err := b.responder.Start(ctx); err != nil {
			logger.Warn("Status responder unavailable", "component", "status", "error", err)
			b.responder = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.registrar.Run(gctx)
	})
	if b.cfg.Subscriptions.AutoRelay {
		g.Go(func() error {
			return b.controller.RunAutoRelay(gctx)
		})
	}

	logger.Info("Bridge running",
		"registration_subject", b.registrar.cfg.Subject,
		"request_subject", RequestSubject(b.cfg.Node.ID),
		"auto_relay", b.cfg.Subscriptions.AutoRelay)

	if err := g.Wait(); err != nil {
		logger.Error("Bridge stopped on fatal error", "error", err)
		return err
	}
	return nil
}

func (b *Bridge) shutdown(logger *slog.Logger) {
	if err := b.controller.Stop(); err != nil {
		logger.Debug("Controller unsubscribe failed", "error", err)
	}
	if b.responder != nil {
		if err := b.responder.Stop(); err != nil {
			logger.Debug("Status responder unsubscribe failed", "error", err)
		}
	}
	if err := b.registry.Close(); err != nil {
		logger.Warn("Releasing bindings failed", "error", err)
	}
	b.deps.Metrics.RecordBindings(0)

	ctx, cancel := context.WithTimeout(context.Background(), b.shutdownWait)
	defer cancel()
	if err := b.deps.Link.Close(ctx); err != nil {
		logger.Warn("Closing broker link failed", "error", err)
	}
	b.deps.Metrics.RecordBrokerStatus(false)
	b.deps.Health.UpdateUnhealthy(health.ComponentBroker, "closed")
	logger.Info("Bridge stopped")
}
