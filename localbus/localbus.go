// Package localbus defines the node-local typed pub/sub transport the bridge
// reads from, and an in-memory implementation.
package localbus

import (
	"context"
)

// TopicInfo is one advertised local topic.
type TopicInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RawMessage is an undecoded local message, JSON encoded.
type RawMessage []byte

// Callback receives messages for one subscription. It runs on the
// transport's delivery goroutine and must not block for long.
type Callback func(msg RawMessage)

// Handle cancels a local subscription.
type Handle interface {
	Unsubscribe() error
}

// Transport is the local topic transport.
type Transport interface {
	// ListTopics returns the currently advertised topics and their types.
	ListTopics(ctx context.Context) ([]TopicInfo, error)
	// Subscribe starts delivering messages of topic to cb.
	Subscribe(ctx context.Context, topic, typeName string, cb Callback) (Handle, error)
}
