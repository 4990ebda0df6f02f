package domain

import (
	"fmt"
	"strings"
	"time"
)

// Evidence is a piece of supporting material attached to an answer.
type Evidence struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Message is one entry in a conversation. Seq is assigned by the store
// on append and is zero until the message is durable.
type Message struct {
	Seq        int64          `json:"seq"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Capability string         `json:"capability,omitempty"`
	Evidence   []Evidence     `json:"evidence,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Persisted reports whether the store has assigned a sequence number.
func (m Message) Persisted() bool {
	return m.Seq > 0
}

// MaxMessageLength bounds inbound user messages, counted in runes.
const MaxMessageLength = 1000

// ValidateUserMessage trims content and checks its length.
func ValidateUserMessage(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidMessage)
	}
	if n := len([]rune(trimmed)); n > MaxMessageLength {
		return "", fmt.Errorf("%w: message has %d characters, limit is %d", ErrInvalidMessage, n, MaxMessageLength)
	}
	return trimmed, nil
}
