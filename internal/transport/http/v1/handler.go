// Package v1 provides the HTTP handlers of the turn router API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Turns
	e.POST("/v1/turns", h.SubmitTurn)
	e.POST("/v1/turns/stream", h.StreamTurn)

	// Session management
	e.GET("/v1/sessions", h.ListSessions)
	e.POST("/v1/sessions/cleanup", h.CleanupSessions)
	e.GET("/v1/sessions/:session_id/history", h.GetHistory)
	e.GET("/v1/sessions/:session_id/stats", h.GetStats)
	e.DELETE("/v1/sessions/:session_id", h.DeleteSession)

	e.GET("/v1/capabilities", h.ListCapabilities)
	e.GET("/health", h.Health)
}

// errorJSON writes err with the status its kind maps to.
func errorJSON(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
