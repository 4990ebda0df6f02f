package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// SubmitTurn routes one user message.
// POST /v1/turns
func (h *Handler) SubmitTurn(c echo.Context) error {
	var req domain.TurnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	res, err := h.service.SubmitTurn(c.Request().Context(), req)
	if err != nil {
		if res.Text != "" {
			return c.JSON(statusFor(err), res)
		}
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// StreamTurn routes one user message and streams the answer as SSE.
// POST /v1/turns/stream
func (h *Handler) StreamTurn(c echo.Context) error {
	var req domain.TurnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	// Headers go out with the first event so that validation errors can
	// still be reported as plain JSON.
	started := false
	_, err := h.service.StreamTurn(c.Request().Context(), req, func(ev domain.TurnEvent) error {
		if !started {
			resp.Header().Set("Content-Type", "text/event-stream")
			resp.Header().Set("Cache-Control", "no-cache")
			resp.Header().Set("Connection", "keep-alive")
			resp.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			return errorJSON(c, err)
		}
		// The status is already sent.
		log.Warn().Err(err).Msg("turn stream interrupted")
	}
	return nil
}
