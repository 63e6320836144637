// Package bridge relays typed messages from the node-local topic transport to
// the remote broker.
//
// A Bridge owns four cooperating loops on top of one broker.Link:
//
//   - Registrar announces the local topic inventory on "register_node" at a
//     fixed interval.
//   - Controller listens on the node's own subject for subscription requests
//     and binds each requested topic at most once.
//   - Relay is the per-binding callback that decodes a local message into
//     ordered fields and publishes it to DeriveSubject(node, topic).
//   - StatusResponder answers liveness probes on "<node>.check_status".
//
// Registration publish failures and the controller's subscribe failure are
// fatal; Run returns them and the process is expected to exit.
//
// Example:
//
//	b, err := bridge.New(cfg, bridge.Deps{Link: link, Local: bus, Types: types})
//	if err != nil {
//		return err
//	}
//	return b.Run(ctx)
package bridge
