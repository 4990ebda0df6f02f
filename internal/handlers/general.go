package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/xiaot623/gogo/turnrouter/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

const generalPrompt = `You are a friendly assistant for an internal company chatbot.
Answer conversational messages briefly. When the user needs documents, employee records or client data, tell them what you can look up for them.`

// GeneralDescriptor describes the conversational fallback.
var GeneralDescriptor = domain.CapabilityDescriptor{
	Name:        GeneralCapability,
	Description: "General conversation and anything no other capability covers",
}

// General replies conversationally through an LLM.
type General struct {
	client llm.LLMClient
	model  string
}

// NewGeneral creates the general handler.
func NewGeneral(client llm.LLMClient, model string) *General {
	return &General{client: client, model: model}
}

// Handle implements Handler.
func (g *General) Handle(ctx context.Context, _ map[string]any, raw string) (domain.HandlerResult, error) {
	messages := []llm.ChatMessage{{Role: "system", Content: generalPrompt}}
	messages = append(messages, llm.PriorTurns(HistoryFrom(ctx))...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: raw})

	resp, err := g.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: llm.Float64(0.7),
	})
	if err != nil {
		return domain.HandlerResult{}, err
	}
	msg, ok := resp.FirstMessage()
	if !ok || strings.TrimSpace(msg.Content) == "" {
		return domain.HandlerResult{}, errors.New("empty completion")
	}
	return domain.HandlerResult{
		Text:     strings.TrimSpace(msg.Content),
		Metadata: map[string]any{"model": resp.Model},
	}, nil
}

// RegisterGeneral adds the general handler, hidden from the catalogue.
func RegisterGeneral(r *Registry, client llm.LLMClient, model string) error {
	return r.Register(GeneralDescriptor, func(context.Context) (Handler, error) {
		if client == nil {
			return nil, errors.New("general handler needs an llm client")
		}
		return NewGeneral(client, model), nil
	}, Hidden(), WithDefaults(func(raw string) map[string]any {
		return map[string]any{"message": raw}
	}))
}
