package mqttclient

import "strings"

// SubjectToTopic maps a dot-separated subject to an MQTT topic. NATS
// wildcards become their MQTT equivalents.
func SubjectToTopic(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, t := range tokens {
		switch t {
		case "*":
			tokens[i] = "+"
		case ">":
			tokens[i] = "#"
		}
	}
	return strings.Join(tokens, "/")
}

// TopicToSubject is the inverse of SubjectToTopic for concrete topics.
func TopicToSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// filterFor returns the subscription filter, using a shared subscription
// when queue is set so the broker hands each message to one group member.
func filterFor(subject, queue string) string {
	topic := SubjectToTopic(subject)
	if queue == "" {
		return topic
	}
	return "$share/" + queue + "/" + topic
}
