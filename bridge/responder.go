package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/errors"
)

// StatusResponder answers liveness probes on "<node>.check_status" with the
// node id. Probes without a reply subject are ignored.
type StatusResponder struct {
	nodeID string
	link   broker.Link
	logger *slog.Logger

	answered atomic.Int64
	sub      broker.Subscription
}

// NewStatusResponder creates a responder for nodeID.
func NewStatusResponder(nodeID string, link broker.Link, logger *slog.Logger) *StatusResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusResponder{nodeID: nodeID, link: link, logger: logger}
}

// Start subscribes to the status subject.
func (s *StatusResponder) Start(ctx context.Context) error {
	subject := StatusSubject(s.nodeID)
	sub, err := s.link.Subscribe(ctx, subject, "", s.handle)
	if err != nil {
		return errors.WrapTransient(err, "StatusResponder", "Start", "subscribe to "+subject)
	}
	s.sub = sub
	return nil
}

// Stop removes the status subscription.
func (s *StatusResponder) Stop() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

// Answered returns the number of probes replied to.
func (s *StatusResponder) Answered() int64 { return s.answered.Load() }

func (s *StatusResponder) handle(ctx context.Context, msg *broker.Message) {
	if msg.Reply == "" {
		return
	}
	if err := s.link.Publish(ctx, msg.Reply, []byte(s.nodeID)); err != nil {
		s.logger.Debug("Status reply failed",
			"component", "status",
			"reply", msg.Reply,
			"error", err)
		return
	}
	s.answered.Add(1)
}
