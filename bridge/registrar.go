package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/health"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/metric"
)

// DefaultRegistrationSubject is where inventories are announced.
const DefaultRegistrationSubject = "register_node"

// RegistrarConfig configures a Registrar.
type RegistrarConfig struct {
	NodeID   string
	Subject  string
	Interval time.Duration
	// Bucket, when set together with Snapshots, also stores the latest
	// registration keyed by node id.
	Bucket    string
	Snapshots broker.SnapshotStore
}

// Registrar periodically publishes the local topic inventory.
type Registrar struct {
	cfg     RegistrarConfig
	link    broker.Link
	local   localbus.Transport
	metrics *metric.Metrics
	health  *health.Monitor
	logger  *slog.Logger

	listWarn  rate.Sometimes
	published atomic.Int64
	skipped   atomic.Int64
}

// NewRegistrar creates a registrar. Subject and Interval fall back to
// "register_node" and 100ms.
func NewRegistrar(
	cfg RegistrarConfig, link broker.Link, local localbus.Transport,
	metrics *metric.Metrics, monitor *health.Monitor, logger *slog.Logger,
) *Registrar {
	if cfg.Subject == "" {
		cfg.Subject = DefaultRegistrationSubject
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if monitor == nil {
		monitor = health.NewMonitor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		cfg:      cfg,
		link:     link,
		local:    local,
		metrics:  metrics,
		health:   monitor,
		logger:   logger,
		listWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Published returns the number of registrations sent.
func (r *Registrar) Published() int64 { return r.published.Load() }

// Skipped returns the number of ticks skipped because the inventory could not
// be listed.
func (r *Registrar) Skipped() int64 { return r.skipped.Load() }

// Run registers immediately and then on every interval until ctx is done.
// It returns nil on cancellation and a fatal error if a publish fails.
func (r *Registrar) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Registrar started",
		"component", "registrar",
		"subject", r.cfg.Subject,
		"interval", r.cfg.Interval)

	for {
		if err := r.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one registration.
func (r *Registrar) Tick(ctx context.Context) error {
	topics, err := r.local.ListTopics(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.skipped.Add(1)
		r.metrics.RecordInventoryFailure()
		r.health.Update(health.ComponentLocal, health.FromError(health.ComponentLocal, err))
		r.listWarn.Do(func() {
			r.logger.Warn("Local topic inventory unavailable, skipping registration",
				"component", "registrar",
				"error", err)
		})
		return nil
	}
	r.health.UpdateHealthy(health.ComponentLocal, "inventory listed")

	msg := RegistrationMessage{ID: r.cfg.NodeID, Topics: dedupeTopics(topics)}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapFatal(err, "Registrar", "Tick", "encode registration")
	}

	if err := r.link.Publish(ctx, r.cfg.Subject, data); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error("Registration publish failed",
			"component", "registrar",
			"subject", r.cfg.Subject,
			"error", err)
		return errors.WrapFatal(err, "Registrar", "Tick", "publish registration")
	}

	r.published.Add(1)
	r.metrics.RecordRegistration(len(msg.Topics))

	if r.cfg.Snapshots != nil && r.cfg.Bucket != "" {
		if err := r.cfg.Snapshots.PutSnapshot(ctx, r.cfg.Bucket, r.cfg.NodeID, data); err != nil && ctx.Err() == nil {
			r.logger.Debug("Registration snapshot failed",
				"component", "registrar",
				"bucket", r.cfg.Bucket,
				"error", err)
		}
	}
	return nil
}
