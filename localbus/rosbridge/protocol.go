package rosbridge

import "encoding/json"

// rosbridge v2 operations used by the client
const (
	opCallService     = "call_service"
	opServiceResponse = "service_response"
	opSubscribe       = "subscribe"
	opUnsubscribe     = "unsubscribe"
	opPublish         = "publish"
	opStatus          = "status"
)

// topicsService lists advertised topics together with their types.
const topicsService = "/rosapi/topics"

type callServiceOp struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Service string `json:"service"`
	Args    any    `json:"args,omitempty"`
}

type subscribeOp struct {
	Op    string `json:"op"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Type  string `json:"type,omitempty"`
}

type unsubscribeOp struct {
	Op    string `json:"op"`
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// inbound is the union of server-to-client operations.
type inbound struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Service string          `json:"service,omitempty"`
	Values  json.RawMessage `json:"values,omitempty"`
	Result  *bool           `json:"result,omitempty"`
	Level   string          `json:"level,omitempty"`
}

type topicsResponse struct {
	Topics []string `json:"topics"`
	Types  []string `json:"types"`
}
