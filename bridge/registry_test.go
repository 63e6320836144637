package bridge

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/localbus"
)

func staticBinding(topic string) BindFunc {
	return func(context.Context) (*Binding, error) {
		return &Binding{Topic: topic, Subject: DeriveSubject("n", topic)}, nil
	}
}

func TestRegistry_BindIsIdempotent(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	created, err := r.Bind(ctx, "/a", staticBinding("/a"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.Bind(ctx, "/a", func(context.Context) (*Binding, error) {
		t.Fatal("create called for bound topic")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Has("/a"))
	b, ok := r.Get("/a")
	require.True(t, ok)
	assert.Equal(t, "n.a", b.Subject)
}

func TestRegistry_ConcurrentBindCreatesOnce(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32

	create := func(context.Context) (*Binding, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &Binding{Topic: "/a"}, nil
	}

	var wg sync.WaitGroup
	var createdCount atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := r.Bind(context.Background(), "/a", create)
			assert.NoError(t, err)
			if created {
				createdCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), createdCount.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_FailedBindLeavesTopicUnbound(t *testing.T) {
	r := NewRegistry()
	boom := stderrors.New("boom")

	_, err := r.Bind(context.Background(), "/a", func(context.Context) (*Binding, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, r.Has("/a"))

	created, err := r.Bind(context.Background(), "/a", staticBinding("/a"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRegistry_WaiterHonoursContext(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = r.Bind(context.Background(), "/a", func(context.Context) (*Binding, error) {
			close(started)
			<-release
			return &Binding{Topic: "/a"}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Bind(ctx, "/a", staticBinding("/a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestRegistry_CloseReleasesBindings(t *testing.T) {
	bus := localbus.NewMemory()
	r := NewRegistry()
	ctx := context.Background()

	for _, topic := range []string{"/a", "/b"} {
		_, err := r.Bind(ctx, topic, func(ctx context.Context) (*Binding, error) {
			h, err := bus.Subscribe(ctx, topic, "t", func(localbus.RawMessage) {})
			if err != nil {
				return nil, err
			}
			return &Binding{Topic: topic, handle: h}, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"/a", "/b"}, r.Topics())

	require.NoError(t, r.Close())
	assert.Equal(t, 0, bus.Subscribers("/a"))
	assert.Equal(t, 0, bus.Subscribers("/b"))
	assert.Equal(t, 0, r.Len())

	_, err := r.Bind(ctx, "/c", staticBinding("/c"))
	require.ErrorIs(t, err, ErrRegistryClosed)
	assert.True(t, errors.IsFatal(err))

	assert.NoError(t, r.Close(), "second close is a no-op")
}
