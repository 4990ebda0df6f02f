package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MockClient answers deterministically without network access. With tools
// it calls the first tool whose name appears in the last user message and
// fills required string arguments with that message; otherwise it replies
// with text.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	last := lastUserMessage(req.Messages)
	msg := &ChatMessage{Role: "assistant"}

	if call, ok := m.pickTool(req.Tools, last); ok {
		msg.ToolCalls = []ToolCall{call}
	} else if last == "" {
		msg.Content = "[MOCK] This is a mock response from the LLM client."
	} else {
		msg.Content = fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(last, 100))
	}

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{Index: 0, Message: msg, FinishReason: "stop"}},
		Usage: &Usage{
			PromptTokens:     len(last) / 4,
			CompletionTokens: len(msg.Content) / 4,
			TotalTokens:      (len(last) + len(msg.Content)) / 4,
		},
	}, nil
}

func (m *MockClient) pickTool(tools []Tool, message string) (ToolCall, bool) {
	lower := strings.ToLower(message)
	for _, t := range tools {
		name := strings.ToLower(t.Function.Name)
		if name == "" || !strings.Contains(lower, name) {
			continue
		}
		args, _ := json.Marshal(mockArguments(t.Function.Parameters, message))
		return ToolCall{
			ID:       fmt.Sprintf("call_mock_%d", time.Now().UnixNano()),
			Type:     "function",
			Function: ToolCallFunction{Name: t.Function.Name, Arguments: string(args)},
		}, true
	}
	return ToolCall{}, false
}

// mockArguments satisfies required fields: enums get their first value,
// strings get the message.
func mockArguments(params any, message string) map[string]any {
	args := map[string]any{}
	raw, err := json.Marshal(params)
	if err != nil {
		return args
	}
	var s jsonSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return args
	}
	for _, name := range s.Required {
		prop := s.Properties[name]
		switch {
		case prop != nil && len(prop.Enum) > 0:
			args[name] = prop.Enum[0]
		case prop == nil || prop.Type == "" || prop.Type == "string":
			args[name] = message
		case prop.Type == "integer" || prop.Type == "number":
			args[name] = 0
		case prop.Type == "boolean":
			args[name] = false
		}
	}
	return args
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
