package ws

import "github.com/xiaot623/gogo/turnrouter/internal/domain"

// Message types from client to server.
const (
	TypeHello = "hello"
	TypeTurn  = "turn"
)

// Message types from server to client. Turn events are sent as they are,
// with their own event type.
const (
	TypeHelloAck = "hello_ack"
	TypeError    = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HelloMessage binds the connection to a session.
type HelloMessage struct {
	BaseMessage
	UserID string `json:"user_id,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// HelloAckMessage confirms the bound session.
type HelloAckMessage struct {
	BaseMessage
}

// TurnMessage submits one user message to the bound session.
type TurnMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// EventMessage wraps one turn event.
type EventMessage struct {
	domain.TurnEvent
	RequestID string `json:"request_id,omitempty"`
}

// ErrorMessage reports a protocol or request error.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeSessionRequired = "session_required"
	ErrorCodeAlreadyBound    = "already_bound"
	ErrorCodeUnavailable     = "unavailable"
)
