package localbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridgeerrors "github.com/c360/topicbridge/errors"
)

func TestMemory_ListTopics(t *testing.T) {
	m := NewMemory()
	m.AddTopic("/gps/fix", "pkgA/NavSat")
	m.AddTopic("/imu", "pkgB/Imu")

	topics, err := m.ListTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TopicInfo{
		{Name: "/gps/fix", Type: "pkgA/NavSat"},
		{Name: "/imu", Type: "pkgB/Imu"},
	}, topics)

	m.SetListError(errors.New("daemon down"))
	_, err = m.ListTopics(context.Background())
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsTransient(err))
}

func TestMemory_SubscribeAndPublish(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got atomic.Int32
	h, err := m.Subscribe(ctx, "/gps/fix", "pkgA/NavSat", func(msg RawMessage) {
		assert.JSONEq(t, `{"lat":1}`, string(msg))
		got.Add(1)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Publish("/gps/fix", []byte(`{"lat":1}`)))
	assert.Equal(t, 0, m.Publish("/other", []byte(`{}`)))
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, 1, m.SubscribeCalls("/gps/fix"))

	require.NoError(t, h.Unsubscribe())
	require.NoError(t, h.Unsubscribe())
	assert.Equal(t, 0, m.Subscribers("/gps/fix"))
	assert.Equal(t, 0, m.Publish("/gps/fix", []byte(`{}`)))
}

func TestMemory_SubscribeErrors(t *testing.T) {
	m := NewMemory()

	_, err := m.Subscribe(context.Background(), "/t", "p/T", nil)
	assert.True(t, bridgeerrors.IsInvalid(err))

	m.SetSubscribeError(errors.New("boom"))
	_, err = m.Subscribe(context.Background(), "/t", "p/T", func(RawMessage) {})
	assert.Error(t, err)
	assert.Equal(t, 0, m.SubscribeCalls("/t"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.SetSubscribeError(nil)
	_, err = m.Subscribe(ctx, "/t", "p/T", func(RawMessage) {})
	assert.ErrorIs(t, err, context.Canceled)
}
