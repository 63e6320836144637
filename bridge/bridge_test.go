package bridge

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicbridge/config"
	"github.com/c360/topicbridge/errors"
	"github.com/c360/topicbridge/health"
	"github.com/c360/topicbridge/localbus"
	"github.com/c360/topicbridge/metric"
	"github.com/c360/topicbridge/testutil"
)

type bridgeFixture struct {
	cfg     *config.Config
	mb      *testutil.MockBroker
	bus     *localbus.Memory
	metrics *metric.Metrics
	health  *health.Monitor
	bridge  *Bridge
}

func newBridgeFixture(t *testing.T, mutate func(*config.Config)) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		cfg:     testConfig("rig7"),
		mb:      testutil.NewMockBroker(),
		bus:     localbus.NewMemory(),
		metrics: metric.NewMetrics(),
		health:  health.NewMonitor(),
	}
	if mutate != nil {
		mutate(f.cfg)
	}
	f.mb.SetEvents(LinkEvents(f.metrics, f.health, quietLogger()))

	b, err := New(f.cfg, Deps{
		Link:    f.mb,
		Local:   f.bus,
		Types:   newTypes(t),
		Metrics: f.metrics,
		Health:  f.health,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	f.bridge = b
	return f
}

func (f *bridgeFixture) registrations() []string {
	var out []string
	for _, m := range f.mb.Messages("register_node") {
		out = append(out, string(m))
	}
	return out
}

func TestBridge_EndToEnd(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.bus.AddTopic("/gps/fix", "pkgA/NavSat")
	run := runBridge(t, f.bridge)

	require.True(t, f.mb.WaitForMessages("register_node", 1, waitTimeout))
	assert.Equal(t, `{"id":"rig7","topics":[{"name":"/gps/fix","type":"pkgA/NavSat"}]}`, f.registrations()[0])

	require.True(t, testutil.WaitFor(waitTimeout, func() bool { return f.mb.SubscriptionCount("rig7") == 1 }))
	f.mb.Inject("rig7", []byte(gpsRequest))
	require.True(t, f.bridge.Registry().Has("/gps/fix"))

	f.bus.Publish("/gps/fix", []byte(`{"longitude":2.5,"latitude":1.5,"altitude":3}`))
	msgs := f.mb.Messages("rig7.gps.fix")
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"latitude":1.5,"longitude":2.5,"altitude":3}`, string(msgs[0]))

	require.NoError(t, run.stop(t))
	assert.Equal(t, 0, f.bus.Subscribers("/gps/fix"), "bindings released on shutdown")
	assert.False(t, f.mb.IsConnected())
}

func TestBridge_DuplicateRequestSubscribesLocallyOnce(t *testing.T) {
	f := newBridgeFixture(t, nil)
	runBridge(t, f.bridge)
	require.True(t, testutil.WaitFor(waitTimeout, func() bool { return f.mb.SubscriptionCount("rig7") == 1 }))

	f.mb.Inject("rig7", []byte(gpsRequest))
	f.mb.Inject("rig7", []byte(gpsRequest))

	assert.Equal(t, 1, f.bus.SubscribeCalls("/gps/fix"))
	assert.Equal(t, 1, f.bridge.Registry().Len())
}

func TestBridge_RegistersAfterConnectFailures(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.bus.AddTopic("/gps/fix", "pkgA/NavSat")
	f.mb.FailConnects(3, errors.ErrConnectionTimeout)

	runBridge(t, f.bridge)

	require.True(t, f.mb.WaitForMessages("register_node", 1, waitTimeout))
	assert.Equal(t, 4, f.mb.ConnectAttempts())
	assert.Equal(t, int64(4), f.bridge.DialAttempts())

	want := `{"id":"rig7","topics":[{"name":"/gps/fix","type":"pkgA/NavSat"}]}`
	for _, got := range f.registrations() {
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("registration mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestBridge_ReconnectKeepsBindingsAndResumesTicks(t *testing.T) {
	f := newBridgeFixture(t, nil)
	runBridge(t, f.bridge)
	require.True(t, testutil.WaitFor(waitTimeout, func() bool { return f.mb.SubscriptionCount("rig7") == 1 }))

	f.mb.Inject("rig7", []byte(gpsRequest))
	require.Equal(t, 1, f.bridge.Registry().Len())

	f.mb.SimulateDisconnect(errors.ErrConnectionLost)
	status, ok := f.health.Get("broker")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, 0.0, promtestutil.ToFloat64(f.metrics.BrokerConnected))

	f.mb.SimulateReconnect()
	before := f.mb.MessageCount("register_node")

	f.mb.Inject("rig7", []byte(gpsRequest))
	assert.Equal(t, 1, f.bridge.Registry().Len())
	assert.Equal(t, 1, f.bus.SubscribeCalls("/gps/fix"))

	require.True(t, f.mb.WaitForMessages("register_node", before+2, waitTimeout), "ticks resume")
	status, _ = f.health.Get("broker")
	assert.True(t, status.IsHealthy())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.BrokerReconnects))
}

func TestBridge_RegistrationPublishFailureIsFatal(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.mb.SetPublishError(errors.ErrPublishFailed)

	run := runBridge(t, f.bridge)
	err := run.wait(t)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.False(t, f.mb.IsConnected())
}

func TestBridge_ControllerSubscribeFailureIsFatal(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.mb.SetSubscribeError(errors.ErrSubscriptionFailed)

	err := runBridge(t, f.bridge).wait(t)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 0, f.mb.MessageCount("register_node"))
}

func TestBridge_CancelDuringDialReturnsNil(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.mb.FailConnects(1<<30, errors.ErrConnectionTimeout)

	run := runBridge(t, f.bridge)
	require.True(t, testutil.WaitFor(waitTimeout, func() bool { return f.mb.ConnectAttempts() >= 2 }))
	assert.NoError(t, run.stop(t))
}

func TestBridge_AutoRelay(t *testing.T) {
	f := newBridgeFixture(t, func(c *config.Config) { c.Subscriptions.AutoRelay = true })
	f.bus.AddTopic("/gps/fix", "pkgA/NavSat")
	runBridge(t, f.bridge)

	require.True(t, testutil.WaitFor(waitTimeout, func() bool { return f.bridge.Registry().Has("/gps/fix") }))
	f.bus.Publish("/gps/fix", []byte(`{"latitude":1}`))
	assert.Equal(t, 1, f.mb.MessageCount("rig7.gps.fix"))
}

func TestBridge_StatusResponder(t *testing.T) {
	f := newBridgeFixture(t, nil)
	runBridge(t, f.bridge)
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		return f.mb.SubscriptionCount("rig7.check_status") == 1
	}))

	inbox := f.mb.Request("rig7.check_status", nil)
	msgs := f.mb.Messages(inbox)
	require.Len(t, msgs, 1)
	assert.Equal(t, "rig7", string(msgs[0]))
}

func TestBridge_JetStreamAndSnapshots(t *testing.T) {
	f := newBridgeFixture(t, func(c *config.Config) {
		c.Relay.JetStream = true
		c.Registration.KVBucket = "nodes"
	})
	f.bus.AddTopic("/gps/fix", "pkgA/NavSat")
	runBridge(t, f.bridge)

	require.True(t, f.mb.WaitForMessages("register_node", 1, waitTimeout))
	require.True(t, testutil.WaitFor(waitTimeout, func() bool {
		_, ok := f.mb.Snapshot("nodes", "rig7")
		return ok
	}))

	require.True(t, testutil.WaitFor(waitTimeout, func() bool { return f.mb.SubscriptionCount("rig7") == 1 }))
	f.mb.Inject("rig7", []byte(gpsRequest))
	f.bus.Publish("/gps/fix", []byte(`{"latitude":1}`))

	assert.Len(t, f.mb.StreamMessages("rig7.gps.fix"), 1)
	assert.Equal(t, 0, f.mb.MessageCount("rig7.gps.fix"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.True(t, errors.IsInvalid(err))

	_, err = New(testConfig("rig7"), Deps{Link: testutil.NewMockBroker()})
	assert.True(t, errors.IsInvalid(err))

	deps := Deps{Link: plainLink{testutil.NewMockBroker()}, Local: localbus.NewMemory(), Types: newTypes(t)}

	cfg := testConfig("rig7")
	cfg.Relay.JetStream = true
	_, err = New(cfg, deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	cfg = testConfig("rig7")
	cfg.Registration.KVBucket = "nodes"
	_, err = New(cfg, deps)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestBridge_PrepareRunsAfterConnect(t *testing.T) {
	f := newBridgeFixture(t, nil)
	b, err := New(f.cfg, Deps{
		Link:  f.mb,
		Local: f.bus,
		Types: newTypes(t),
		Prepare: func(context.Context) error {
			if !f.mb.IsConnected() {
				return errors.ErrNotConnected
			}
			return stderrors.New("stream setup failed")
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	err = runBridge(t, b).wait(t)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "stream setup failed")
	assert.Equal(t, 0, f.mb.MessageCount("register_node"))
}
