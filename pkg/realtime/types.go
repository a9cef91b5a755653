// Package realtime defines the envelopes of the local push WebSocket.
package realtime

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypePing        ClientMessageType = "ping"
)

type ServerMessageType string

const (
	ServerMessageTypeSnapshot ServerMessageType = "snapshot"
	ServerMessageTypeEvent    ServerMessageType = "event"
	ServerMessageTypeError    ServerMessageType = "error"
	ServerMessageTypePong     ServerMessageType = "pong"
)

// TopicJobsState carries the derived job projection: one snapshot on
// subscribe, then an event per published recompute.
const TopicJobsState = "jobs.state"

type ClientEnvelope struct {
	Type   ClientMessageType `json:"type"`
	Topics []string          `json:"topics,omitempty"`
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Payload any               `json:"payload,omitempty"`
	Message string            `json:"message,omitempty"`
}
