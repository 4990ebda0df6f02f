package domain

import "time"

// TurnRequest is an inbound user message.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	Message   string `json:"message"`
}

// TurnResult is the router's answer for one turn.
type TurnResult struct {
	Text       string         `json:"text"`
	Capability string         `json:"capability,omitempty"`
	Evidence   []Evidence     `json:"evidence"`
	Metadata   map[string]any `json:"metadata"`
	SessionID  string         `json:"session_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Warning    string         `json:"warning,omitempty"`
}

// TurnEvent is one frame of a streamed turn.
type TurnEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Seq       int         `json:"seq"`
	Ts        int64       `json:"ts"`
	Data      string      `json:"data,omitempty"`
	Result    *TurnResult `json:"result,omitempty"`
}

// NewTurnEvent stamps an event with the current time.
func NewTurnEvent(t EventType, sessionID string, seq int) TurnEvent {
	return TurnEvent{Type: t, SessionID: sessionID, Seq: seq, Ts: time.Now().UnixMilli()}
}
