package bridge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/topicbridge/broker"
	"github.com/c360/topicbridge/config"
	"github.com/c360/topicbridge/schema"
	"github.com/c360/topicbridge/testutil"
)

const navSatYAML = `
types:
  - name: pkgA/NavSat
    fields:
      - float64 latitude
      - float64 longitude
      - float64 altitude
`

const waitTimeout = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTypes(t *testing.T) *schema.Registry {
	t.Helper()
	types := schema.NewRegistry()
	_, err := types.Load([]byte(navSatYAML))
	require.NoError(t, err)
	return types
}

func connectedBroker(t *testing.T) *testutil.MockBroker {
	t.Helper()
	mb := testutil.NewMockBroker()
	require.NoError(t, mb.Connect(context.Background()))
	return mb
}

func testConfig(nodeID string) *config.Config {
	cfg := config.Defaults()
	cfg.Node.ID = nodeID
	cfg.Local.Kind = config.LocalMemory
	cfg.Broker.DialInitialDelay = config.Duration(time.Millisecond)
	cfg.Broker.DialMaxDelay = config.Duration(5 * time.Millisecond)
	cfg.Registration.Interval = config.Duration(10 * time.Millisecond)
	cfg.Subscriptions.AutoRelayInterval = config.Duration(10 * time.Millisecond)
	cfg.Metrics.Enabled = false
	return cfg
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// runBridge starts b.Run in the background. The bridge is stopped when the
// test ends.
func runBridge(t *testing.T, b *Bridge) *runner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = b.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

// wait returns Run's result once it has returned.
func (r *runner) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(waitTimeout):
		t.Fatal("bridge did not stop")
		return nil
	}
}

// stop cancels Run and returns its result.
func (r *runner) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t)
}

// plainLink hides the optional stream and snapshot capabilities of a link.
type plainLink struct {
	broker.Link
}
