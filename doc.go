// Package topicbridge relays typed messages from a node-local ROS graph to a
// remote NATS or MQTT broker.
//
// A remote orchestrator discovers what a node produces from the inventory the
// node publishes on "register_node" every 100ms:
//
//	{"id":"rig7","topics":[{"name":"/gps/fix","type":"sensor_msgs/NavSatFix"}]}
//
// It then asks for topics by publishing a request on the node's own subject
// ("rig7", queue group "workers"):
//
//	{"topics":[{"name":"/gps/fix","type":"sensor_msgs/NavSatFix"}]}
//
// and receives every message of /gps/fix on "rig7.gps.fix" as JSON whose keys
// follow the message definition's field order.
//
// # Packages
//
//   - bridge: registrar, subscription controller, relays and runtime
//   - broker: the link contract and the retry-forever dial
//   - natsclient, mqttclient: broker backends
//   - localbus, localbus/rosbridge: local topic transports
//   - schema: message definitions and ordered decoders
//   - config, errors, metric, health, pkg/retry, pkg/tlsutil: support
//   - cmd/topicbridge: the binary
package topicbridge
