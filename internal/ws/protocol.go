package ws

import "encoding/json"

// Broker protocol operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpDeliver     = "deliver"
	OpPing        = "ping"
	OpPong        = "pong"
	OpError       = "error"
)

// Envelope is one websocket message between a session and the broker.
type Envelope struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}
