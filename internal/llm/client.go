// Package llm adapts chat-completion providers to the single review
// call a validation run needs. OpenAI goes through the go-openai SDK;
// Anthropic is called directly against its messages API.
package llm

import (
	"context"
	"fmt"
	"strings"

	"structward/internal/config"
)

// Provider names accepted by New, matched case-insensitively.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Client defines the completion surface of a provider.
type Client interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// UnsupportedProviderError reports a provider New does not recognize,
// carrying the name exactly as configured.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported LLM provider: %s", e.Provider)
}

// New builds a provider client from configuration. Construction never
// touches the network; an unknown provider fails before any request
// could be made.
func New(cfg config.LLMConfig) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	default:
		return nil, &UnsupportedProviderError{Provider: cfg.Provider}
	}
}
