package domain

import (
	"maps"
	"slices"
	"time"
)

// SessionRecord is the durable header of a conversation.
type SessionRecord struct {
	ID           string         `json:"id"`
	Owner        string         `json:"owner,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	TurnCount    int            `json:"turn_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Session is a record plus the trailing window of messages held in memory.
type Session struct {
	SessionRecord
	Messages []Message `json:"messages"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{SessionRecord: s.SessionRecord}
	out.Metadata = maps.Clone(s.Metadata)
	out.Messages = slices.Clone(s.Messages)
	return out
}

// LastMessage returns the newest message, if any.
func (s *Session) LastMessage() (Message, bool) {
	if s == nil || len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// SessionStats summarizes a conversation.
type SessionStats struct {
	SessionID         string         `json:"session_id"`
	Owner             string         `json:"owner,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActiveAt      time.Time      `json:"last_active_at"`
	TurnCount         int            `json:"turn_count"`
	MessageCount      int            `json:"message_count"`
	UserMessages      int            `json:"user_messages"`
	AssistantMessages int            `json:"assistant_messages"`
	CapabilitiesUsed  map[string]int `json:"capabilities_used"`
	LastCapability    string         `json:"last_capability,omitempty"`
	Cached            bool           `json:"cached"`
}
