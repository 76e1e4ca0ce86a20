package ws

import (
	"github.com/classchat/internal/model"
)

// Destination selects the handler of an inbound frame.
type Destination string

const (
	DestSendMessage Destination = "chat.sendMessage"
	DestAddUser     Destination = "chat.addUser"
)

// TopicErrors carries error frames addressed to a single connection.
const TopicErrors = "errors"

// InboundFrame is what the client sends to the server.
type InboundFrame struct {
	Destination Destination       `json:"destination"`
	Payload     model.ChatMessage `json:"payload"`
}

// OutboundFrame is what the server sends to the client. Payload is a
// model.ChatMessage for room topics, an int for userCount and ErrorPayload for
// errors.
type OutboundFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type ErrorPayload struct {
	Error       string      `json:"error"`
	Destination Destination `json:"destination,omitempty"`
}

// State is the lifecycle of one connection.
type State int

const (
	StateConnected State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
