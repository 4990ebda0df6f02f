// Package llm provides the chat-completion clients used for routing and
// conversational replies.
package llm

import "context"

// LLMClient sends OpenAI-style chat completion requests.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*GeminiClient)(nil)
	_ LLMClient = (*MockClient)(nil)
)
