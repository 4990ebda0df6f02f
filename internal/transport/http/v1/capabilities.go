package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListCapabilities returns the registered handlers and their counters.
// GET /v1/capabilities
func (h *Handler) ListCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"capabilities": h.service.Capabilities(),
		"cache":        h.service.CacheStats(),
	})
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	health := h.service.Health(c.Request().Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}
