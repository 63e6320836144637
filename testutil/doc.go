// Package testutil provides in-memory test doubles for the bridge.
//
// MockBroker stands in for a broker.Link. It records every publish, delivers
// to in-process subscribers, and can inject the failure modes the bridge must
// survive: connection attempts that fail before succeeding, outages during
// which publishes are buffered, and hard publish or subscribe errors.
//
//	link := testutil.NewMockBroker()
//	link.FailConnects(3, errors.New("connection refused"))
//	// ... run the bridge ...
//	link.SimulateDisconnect(errors.New("read: connection reset"))
//	link.SimulateReconnect()
//	require.True(t, link.WaitForMessages("register_node", 5, time.Second))
package testutil
