package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// EnvGogoMode is the environment variable name for mode selection.
	EnvGogoMode = "GOGO_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// Provider names an LLM backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderMock   Provider = "mock"
)

// Settings selects and configures a backend.
type Settings struct {
	Provider     Provider
	BaseURL      string
	APIKey       string
	GeminiAPIKey string
	Model        string
	Timeout      time.Duration
}

// NewLLMClient builds the client for s. GOGO_MODE=MOCK forces the mock.
func NewLLMClient(ctx context.Context, s Settings) (LLMClient, error) {
	provider := s.Provider
	if os.Getenv(EnvGogoMode) == ModeMock {
		log.Info().Msg("GOGO_MODE=MOCK detected, using mock LLM client")
		provider = ProviderMock
	}

	switch provider {
	case ProviderMock:
		return NewMockClient(), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, s.GeminiAPIKey, s.Model)
	case ProviderOpenAI, "":
		return NewClient(s.BaseURL, s.APIKey, s.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
