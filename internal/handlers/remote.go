package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// RemoteRequest is the body posted to a remote capability.
type RemoteRequest struct {
	Capability string           `json:"capability"`
	Arguments  map[string]any   `json:"arguments"`
	Message    string           `json:"message"`
	History    []domain.Message `json:"history,omitempty"`
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// Remote invokes a capability served over HTTP. The endpoint may answer
// with a JSON HandlerResult or with an SSE stream of delta, evidence, done
// and error events.
type Remote struct {
	name       string
	endpoint   string
	httpClient *http.Client
}

// NewRemote creates a remote handler. A nil client uses http.DefaultClient.
func NewRemote(name, endpoint string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{name: name, endpoint: endpoint, httpClient: client}
}

// Handle implements Handler.
func (h *Remote) Handle(ctx context.Context, args map[string]any, raw string) (domain.HandlerResult, error) {
	body, err := json.Marshal(RemoteRequest{Capability: h.name, Arguments: args, Message: raw, History: HistoryFrom(ctx)})
	if err != nil {
		return domain.HandlerResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.HandlerResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return domain.HandlerResult{}, fmt.Errorf("failed to invoke %s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.HandlerResult{}, fmt.Errorf("%s returned status %d: %s", h.name, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return collectStream(resp.Body)
	}

	var result domain.HandlerResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.HandlerResult{}, fmt.Errorf("failed to decode %s response: %w", h.name, err)
	}
	return result, nil
}

func collectStream(r io.Reader) (domain.HandlerResult, error) {
	var (
		text   strings.Builder
		result domain.HandlerResult
	)
	err := parseSSE(r, func(ev sseEvent) error {
		switch ev.Event {
		case "delta":
			var d struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return fmt.Errorf("failed to parse delta event: %w", err)
			}
			text.WriteString(d.Text)
		case "evidence":
			var e domain.Evidence
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return fmt.Errorf("failed to parse evidence event: %w", err)
			}
			result.Evidence = append(result.Evidence, e)
		case "done":
			var d struct {
				Text     string         `json:"text"`
				Metadata map[string]any `json:"metadata"`
			}
			if ev.Data != "" {
				if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
					return fmt.Errorf("failed to parse done event: %w", err)
				}
			}
			if d.Text != "" {
				text.Reset()
				text.WriteString(d.Text)
			}
			result.Metadata = d.Metadata
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(ev.Data), &e)
			if e.Message == "" {
				e.Message = ev.Data
			}
			return fmt.Errorf("remote error: %s", e.Message)
		}
		return nil
	})
	if err != nil {
		return domain.HandlerResult{}, err
	}
	result.Text = text.String()
	return result, nil
}

func parseSSE(r io.Reader, handle func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	var ev sseEvent

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if ev.Event != "" || ev.Data != "" {
				if err := handle(ev); err != nil {
					return err
				}
				ev = sseEvent{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if ev.Data != "" {
				ev.Data += "\n" + data
			} else {
				ev.Data = data
			}
		}
	}
	if ev.Event != "" || ev.Data != "" {
		if err := handle(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}
