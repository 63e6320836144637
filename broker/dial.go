package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/pkg/retry"
)

// DialConfig controls the backoff between connection attempts. The number of
// attempts is always unbounded.
type DialConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultDialConfig returns the backoff used when nothing is configured.
func DefaultDialConfig() DialConfig {
	cfg := retry.Forever()
	return DialConfig{InitialDelay: cfg.InitialDelay, MaxDelay: cfg.MaxDelay}
}

// Dial connects the link, retrying until it succeeds or ctx is cancelled.
// It returns the number of attempts made.
func Dial(ctx context.Context, link Link, cfg DialConfig, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rc := retry.Forever()
	if cfg.InitialDelay > 0 {
		rc.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		rc.MaxDelay = cfg.MaxDelay
	}
	if rc.MaxDelay < rc.InitialDelay {
		rc.MaxDelay = rc.InitialDelay
	}
	rc.OnRetry = func(attempt int, err error, next time.Duration) {
		logger.Warn("Broker connection attempt failed, retrying",
			"attempt", attempt, "error", err, "retry_in", next)
	}

	attempts := 0
	err := retry.Do(ctx, rc, func() error {
		attempts++
		return link.Connect(ctx)
	})
	if err != nil {
		return attempts, errors.WrapTransient(err, "broker", "Dial", "connect to broker")
	}

	logger.Info("Broker link established", "attempts", attempts)
	return attempts, nil
}
