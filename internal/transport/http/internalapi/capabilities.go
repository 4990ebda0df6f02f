package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
)

// ValidateCapability builds a handler and checks its argument schema.
// POST /internal/capabilities/:name/validate
func (h *Handler) ValidateCapability(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.ValidateCapability(c.Request().Context(), name); err != nil {
		if errors.Is(err, handlers.ErrNotRegistered) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"name":  name,
			"valid": false,
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":  name,
		"valid": true,
	})
}

// ResetCapability drops a built handler so the next turn rebuilds it.
// POST /internal/capabilities/:name/reset
func (h *Handler) ResetCapability(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.ResetCapability(name); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":    name,
		"message": "handler reset",
	})
}
