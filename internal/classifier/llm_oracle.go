package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/turnrouter/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

const oracleTemperature = 0.1

const systemPrompt = `You route user messages to specialised assistants.
If one of the provided functions can answer the message, call exactly one of them with arguments that satisfy its schema.
If none applies, answer the user directly in plain text. Never invent functions.

Available capabilities:
%s`

// LLMOracle selects a capability with LLM function calling.
type LLMOracle struct {
	client llm.LLMClient
	model  string
}

// NewLLMOracle creates an oracle backed by client.
func NewLLMOracle(client llm.LLMClient, model string) *LLMOracle {
	return &LLMOracle{client: client, model: model}
}

// Select implements Oracle.
func (o *LLMOracle) Select(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) (Reply, error) {
	messages := []llm.ChatMessage{{Role: "system", Content: fmt.Sprintf(systemPrompt, describe(catalogue))}}
	messages = append(messages, llm.PriorTurns(history)...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: message})

	req := &llm.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: llm.Float64(oracleTemperature),
		Tools:       Tools(catalogue),
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	msg, ok := resp.FirstMessage()
	if !ok {
		return Reply{}, errors.New("oracle returned no choices")
	}
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0].Function
		return Reply{Capability: call.Name, Arguments: call.Arguments}, nil
	}
	return Reply{Text: msg.Content}, nil
}

// Tools converts descriptors into function definitions.
func Tools(catalogue []domain.CapabilityDescriptor) []llm.Tool {
	tools := make([]llm.Tool, 0, len(catalogue))
	for _, d := range catalogue {
		var params any = d.Schema
		if d.Schema == nil {
			params = &domain.ArgSchema{Type: "object", Properties: map[string]*domain.ArgSchema{}}
		}
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func describe(catalogue []domain.CapabilityDescriptor) string {
	if len(catalogue) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, d := range catalogue {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}
