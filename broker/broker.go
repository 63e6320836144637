// Package broker defines the link between the bridge and the remote
// subject-addressed pub/sub service, plus the dial policy that keeps retrying
// the connection for the life of the process.
package broker

import (
	"context"
)

// Message is an inbound broker message. Reply is empty when the sender did not
// ask for a response or the transport has no reply subjects.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler processes inbound messages. The context is cancelled when the
// subscription's parent context ends.
type Handler func(ctx context.Context, msg *Message)

// Subscription is a live broker subscription.
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Link is a connection to the remote broker.
//
// Connect makes a single attempt; use Dial for the retry-forever policy.
// Publish and Subscribe issued while the link is reconnecting either buffer or
// fail according to the backend; callers treat a returned error as final.
type Link interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
}

// StreamPublisher is implemented by links that can publish with persistence
// (for example NATS JetStream).
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// SnapshotStore is implemented by links that can keep the latest value per key
// (for example a NATS KV bucket).
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, bucket, key string, data []byte) error
}

// Events carries the lifecycle callbacks a backend invokes. They exist for
// observability only; the bridge takes no compensating action on them.
type Events struct {
	OnDisconnect func(err error)
	OnReconnect  func()
}

// Disconnected invokes OnDisconnect when set.
func (e Events) Disconnected(err error) {
	if e.OnDisconnect != nil {
		e.OnDisconnect(err)
	}
}

// Reconnected invokes OnReconnect when set.
func (e Events) Reconnected() {
	if e.OnReconnect != nil {
		e.OnReconnect()
	}
}
