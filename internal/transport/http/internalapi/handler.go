// Package internalapi provides HTTP handlers for operator-only APIs.
// These APIs are served on the internal listener.
package internalapi

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/service"
)

// PolicyReloader reloads the dispatch policy.
type PolicyReloader interface {
	Reload(ctx context.Context, policyContent string) error
}

// EventSource streams the turn events of a session.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.TurnEvent, error)
}

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
	policy  PolicyReloader
	events  EventSource
}

// NewHandler creates a new internal API handler. policy and events may be nil.
func NewHandler(service *service.Service, policy PolicyReloader, events EventSource) *Handler {
	return &Handler{
		service: service,
		policy:  policy,
		events:  events,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Handler lifecycle
	e.POST("/internal/capabilities/:name/validate", h.ValidateCapability)
	e.POST("/internal/capabilities/:name/reset", h.ResetCapability)

	// Policy
	e.PUT("/internal/policy", h.ReloadPolicy)

	// Event streaming
	e.GET("/internal/sessions/:session_id/events/stream", h.StreamSessionEvents)
}
