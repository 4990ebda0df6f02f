package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetHistory returns the most recent messages of a session.
// GET /v1/sessions/:session_id/history
func (h *Handler) GetHistory(c echo.Context) error {
	sessionID := c.Param("session_id")
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = val
	}

	messages, err := h.service.GetHistory(c.Request().Context(), sessionID, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// GetStats returns the conversation summary of a session.
// GET /v1/sessions/:session_id/stats
func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.service.GetStats(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// DeleteSession removes a session everywhere.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), c.Param("session_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CleanupSessions purges inactive sessions.
// POST /v1/sessions/cleanup
func (h *Handler) CleanupSessions(c echo.Context) error {
	res, err := h.service.CleanupInactive(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListSessions lists recent sessions, optionally for one owner.
// GET /v1/sessions?owner=
func (h *Handler) ListSessions(c echo.Context) error {
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	sessions, err := h.service.ListSessions(c.Request().Context(), c.QueryParam("owner"), limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}
