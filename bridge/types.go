package bridge

import (
	"github.com/c360/topicbridge/localbus"
)

// TopicDescriptor names a local topic and its message type.
type TopicDescriptor struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RegistrationMessage is the periodic inventory announcement.
type RegistrationMessage struct {
	ID     string            `json:"id"`
	Topics []TopicDescriptor `json:"topics"`
}

// SubscriptionRequest asks the node to relay the listed topics.
type SubscriptionRequest struct {
	Topics []TopicDescriptor `json:"topics"`
}

// Binding is an active relay from one local topic to its broker subject.
type Binding struct {
	Topic   string
	Type    string
	Subject string

	handle localbus.Handle
}

// dedupeTopics drops repeated topic names, keeping the first type seen, and
// never returns nil.
func dedupeTopics(in []localbus.TopicInfo) []TopicDescriptor {
	out := make([]TopicDescriptor, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, TopicDescriptor{Name: t.Name, Type: t.Type})
	}
	return out
}
