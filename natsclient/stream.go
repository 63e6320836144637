package natsclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/topicbridge/errors"
)

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

// EnsureStream creates the stream or updates its subjects.
func (m *Client) EnsureStream(ctx context.Context, name string, subjects ...string) (jetstream.Stream, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("create stream %s", name))
	}
	m.logger.Info("JetStream stream ready", "stream", name, "subjects", subjects)
	return stream, nil
}

// PublishToStream publishes to a JetStream stream and waits for the ack.
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := m.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrPublishFailed, err),
			"Client", "PublishToStream", "publish "+subject)
	}
	return nil
}

// KeyValue creates or gets a KV bucket. Buckets are cached per client.
func (m *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	m.mu.RLock()
	kv, ok := m.buckets[bucket]
	m.mu.RUnlock()
	if ok {
		return kv, nil
	}

	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err = js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
		if err != nil && isAlreadyExistsError(err) {
			kv, err = js.KeyValue(ctx, bucket)
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "Client", "KeyValue", fmt.Sprintf("access bucket %s", bucket))
		}
		m.logger.Info("created KV bucket", "bucket", bucket)
	}

	m.mu.Lock()
	m.buckets[bucket] = kv
	m.mu.Unlock()
	return kv, nil
}

// PutSnapshot stores data under key in bucket, replacing the previous value.
func (m *Client) PutSnapshot(ctx context.Context, bucket, key string, data []byte) error {
	kv, err := m.KeyValue(ctx, bucket)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "Client", "PutSnapshot", fmt.Sprintf("put %s/%s", bucket, key))
	}
	return nil
}

// isAlreadyExistsError checks if an error indicates a bucket already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
