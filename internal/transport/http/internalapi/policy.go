package internalapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ReloadPolicy replaces the dispatch policy with the request body.
// PUT /internal/policy
func (h *Handler) ReloadPolicy(c echo.Context) error {
	if h.policy == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "policy engine disabled"})
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || strings.TrimSpace(string(body)) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "policy module is required"})
	}
	if err := h.policy.Reload(c.Request().Context(), string(body)); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "policy reloaded"})
}
