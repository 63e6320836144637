// Package health tracks the health of the bridge's moving parts
package health

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Components reported by the bridge.
const (
	ComponentBroker = "broker"
	ComponentLocal  = "local"
)

// Status values, ordered from best to worst.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var severity = map[string]int{StateHealthy: 0, StateDegraded: 1, StateUnhealthy: 2}

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|mqtts?|tcp|ssl|wss?)://[^\s]+`)
	pathRegex       = regexp.MustCompile(`(?:/[a-zA-Z0-9_.-]+){2,}|[A-Z]:\\[^:\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, or of the whole bridge when
// SubStatuses is set.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// FromError builds an unhealthy status whose message is the error with
// addresses, paths and credentials masked, so broker URLs never reach /healthz.
func FromError(component string, err error) Status {
	message := "unknown error"
	if err != nil {
		message = sanitizeErrorMessage(err.Error())
	}
	return NewUnhealthy(component, message)
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// Aggregate takes the worst state among subs. The message names the
// components in that state, e.g. "unhealthy: broker".
func Aggregate(component string, subs []Status) Status {
	worst := StateHealthy
	for _, sub := range subs {
		if severity[sub.Status] > severity[worst] {
			worst = sub.Status
		}
	}

	message := "ok"
	if worst != StateHealthy {
		var names []string
		for _, sub := range subs {
			if sub.Status == worst {
				names = append(names, sub.Component)
			}
		}
		sort.Strings(names)
		message = worst + ": " + strings.Join(names, ", ")
	}

	status := newStatus(component, worst, message)
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}

func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = pathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")
	return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
}
