package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the bridge metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Registration
	RegistrationsTotal   prometheus.Counter
	RegistrationFailures prometheus.Counter
	InventoryTopics      prometheus.Gauge

	// Subscription requests
	RequestsTotal  *prometheus.CounterVec
	TopicsRejected *prometheus.CounterVec
	BindingsActive prometheus.Gauge

	// Relay
	MessagesRelayed *prometheus.CounterVec
	RelayErrors     *prometheus.CounterVec
	RelayDuration   prometheus.Histogram

	// Broker link
	BrokerConnected   prometheus.Gauge
	BrokerReconnects  prometheus.Counter
	BrokerDisconnects prometheus.Counter
}

// NewMetrics creates the bridge metrics under the topicbridge namespace.
func NewMetrics() *Metrics {
	return &Metrics{
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "registration",
			Name:      "published_total",
			Help:      "Registration messages published",
		}),
		RegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "registration",
			Name:      "inventory_failures_total",
			Help:      "Registration ticks skipped because the local inventory was unavailable",
		}),
		InventoryTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topicbridge",
			Subsystem: "registration",
			Name:      "topics",
			Help:      "Topics in the last advertised inventory",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Subscription requests received",
		}, []string{"status"}),
		TopicsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "requests",
			Name:      "rejected_topics_total",
			Help:      "Requested topics skipped without a binding",
		}, []string{"reason"}),
		BindingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topicbridge",
			Subsystem: "relay",
			Name:      "bindings",
			Help:      "Topics currently relayed",
		}),

		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Local messages published to the broker",
		}, []string{"topic"}),
		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Local messages dropped by stage",
		}, []string{"topic", "stage"}),
		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "topicbridge",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "Time to decode, encode and publish one message",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),

		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topicbridge",
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}),
		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Broker reconnections",
		}),
		BrokerDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "topicbridge",
			Subsystem: "broker",
			Name:      "disconnects_total",
			Help:      "Broker disconnections",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RegistrationsTotal, c.RegistrationFailures, c.InventoryTopics,
		c.RequestsTotal, c.TopicsRejected, c.BindingsActive,
		c.MessagesRelayed, c.RelayErrors, c.RelayDuration,
		c.BrokerConnected, c.BrokerReconnects, c.BrokerDisconnects,
	}
}

// RecordRegistration counts a published registration of n topics.
func (c *Metrics) RecordRegistration(n int) {
	if c == nil {
		return
	}
	c.RegistrationsTotal.Inc()
	c.InventoryTopics.Set(float64(n))
}

// RecordInventoryFailure counts a skipped registration tick.
func (c *Metrics) RecordInventoryFailure() {
	if c == nil {
		return
	}
	c.RegistrationFailures.Inc()
}

// RecordRequest counts a subscription request by status.
func (c *Metrics) RecordRequest(status string) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(status).Inc()
}

// Reasons a requested topic is rejected. The label set is closed so remote
// requesters cannot grow it.
const (
	RejectUnknownType  = "unknown_type"
	RejectInvalidTopic = "invalid_topic"
)

// RecordTopicRejected counts a requested topic skipped for reason.
func (c *Metrics) RecordTopicRejected(reason string) {
	if c == nil {
		return
	}
	c.TopicsRejected.WithLabelValues(reason).Inc()
}

// RecordBindings sets the number of live bindings.
func (c *Metrics) RecordBindings(n int) {
	if c == nil {
		return
	}
	c.BindingsActive.Set(float64(n))
}

// RecordRelayed counts a relayed message and its latency.
func (c *Metrics) RecordRelayed(topic string, d time.Duration) {
	if c == nil {
		return
	}
	c.MessagesRelayed.WithLabelValues(topic).Inc()
	c.RelayDuration.Observe(d.Seconds())
}

// RecordRelayError counts a message dropped at stage.
func (c *Metrics) RecordRelayError(topic, stage string) {
	if c == nil {
		return
	}
	c.RelayErrors.WithLabelValues(topic, stage).Inc()
}

// RecordBrokerStatus updates the connection gauge.
func (c *Metrics) RecordBrokerStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerDisconnect counts a lost connection.
func (c *Metrics) RecordBrokerDisconnect() {
	if c == nil {
		return
	}
	c.BrokerDisconnects.Inc()
	c.BrokerConnected.Set(0)
}

// RecordBrokerReconnect counts a restored connection.
func (c *Metrics) RecordBrokerReconnect() {
	if c == nil {
		return
	}
	c.BrokerReconnects.Inc()
	c.BrokerConnected.Set(1)
}
