package bridge

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/c360/topicbridge/errors"
)

// statusToken is the subject token status probes use under the node id.
const statusToken = "check_status"

// DeriveSubject maps a node id and a local topic name to the broker subject
// the topic is relayed on. Topic path separators become subject token
// separators, so node "rig7" and topic "/gps/fix" give "rig7.gps.fix".
// The mapping is one to one for names accepted by ValidateTopic.
func DeriveSubject(nodeID, topic string) string {
	return nodeID + strings.ReplaceAll(topic, "/", ".")
}

// ValidateTopic reports whether topic can be relayed without its subject
// colliding with another topic's or with a control subject. Names must be
// absolute, with non-empty segments free of '.', wildcards, whitespace and
// control characters.
func ValidateTopic(topic string) error {
	fail := func(reason string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: topic %q %s", errors.ErrInvalidData, topic, reason),
			"bridge", "ValidateTopic", "check topic name")
	}

	if !strings.HasPrefix(topic, "/") {
		return fail("is not absolute")
	}
	for _, seg := range strings.Split(topic[1:], "/") {
		if seg == "" {
			return fail("has an empty segment")
		}
		if strings.ContainsAny(seg, ".*>") || strings.ContainsFunc(seg, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsControl(r)
		}) {
			return fail("has a segment that is not a valid subject token")
		}
	}
	if topic == "/"+statusToken {
		return fail("is reserved for status probes")
	}
	return nil
}

// RequestSubject is the subject subscription requests for nodeID arrive on.
func RequestSubject(nodeID string) string {
	return nodeID
}

// StatusSubject is the subject liveness probes for nodeID arrive on.
func StatusSubject(nodeID string) string {
	return nodeID + "." + statusToken
}
