// Package handlers keeps the capability handlers the router dispatches to.
package handlers

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// GeneralCapability is the conversational fallback handler.
const GeneralCapability = "general"

// Handler answers one routed message.
type Handler interface {
	Handle(ctx context.Context, args map[string]any, raw string) (domain.HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any, raw string) (domain.HandlerResult, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, args map[string]any, raw string) (domain.HandlerResult, error) {
	return f(ctx, args, raw)
}

type historyKey struct{}

// WithHistory attaches the conversation's prior turns to ctx for handlers
// that build a prompt from them.
func WithHistory(ctx context.Context, history []domain.Message) context.Context {
	return context.WithValue(ctx, historyKey{}, history)
}

// HistoryFrom returns the prior turns attached by WithHistory, oldest first.
func HistoryFrom(ctx context.Context) []domain.Message {
	history, _ := ctx.Value(historyKey{}).([]domain.Message)
	return history
}

// Constructor builds a handler on first use.
type Constructor func(ctx context.Context) (Handler, error)

// Singleton wraps an already built handler.
func Singleton(h Handler) Constructor {
	return func(context.Context) (Handler, error) { return h, nil }
}

// DefaultArgsFunc derives arguments from the raw message.
type DefaultArgsFunc func(raw string) map[string]any

// Stats are per-handler execution counters.
type Stats struct {
	Executions    int64     `json:"executions"`
	Failures      int64     `json:"failures"`
	LastExecution time.Time `json:"last_execution,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Status is the health of one handler.
type Status string

const (
	StatusReady    Status = "ready"
	StatusNotBuilt Status = "not_built"
	StatusError    Status = "error"
)

// Info describes a registered handler.
type Info struct {
	Descriptor domain.CapabilityDescriptor `json:"descriptor"`
	Routable   bool                        `json:"routable"`
	Status     Status                      `json:"status"`
	BuildError string                      `json:"build_error,omitempty"`
	Stats      Stats                       `json:"stats"`
}
