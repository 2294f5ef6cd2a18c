package llm

import (
	"errors"
	"testing"

	"structward/internal/config"
)

func TestNewOpenAIProvider(t *testing.T) {
	for _, name := range []string{"openai", "OpenAI", "OPENAI"} {
		client, err := New(config.LLMConfig{Provider: name, APIKey: "k", Model: "gpt-4o"})
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if _, ok := client.(*OpenAIClient); !ok {
			t.Errorf("New(%q) = %T, want *OpenAIClient", name, client)
		}
	}
}

func TestNewAnthropicProvider(t *testing.T) {
	for _, name := range []string{"anthropic", "Anthropic", "ANTHROPIC"} {
		client, err := New(config.LLMConfig{Provider: name, APIKey: "k", Model: "claude-3-5-sonnet-20241022"})
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if _, ok := client.(*AnthropicClient); !ok {
			t.Errorf("New(%q) = %T, want *AnthropicClient", name, client)
		}
	}
}

func TestNewUnsupportedProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "Gemini", APIKey: "k", Model: "gemini-pro"})
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	var upe *UnsupportedProviderError
	if !errors.As(err, &upe) {
		t.Fatalf("expected UnsupportedProviderError, got %T: %v", err, err)
	}
	if upe.Provider != "Gemini" {
		t.Errorf("Provider = %q, want original casing preserved", upe.Provider)
	}
	if want := "unsupported LLM provider: Gemini"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewPreservesModel(t *testing.T) {
	client, err := New(config.LLMConfig{Provider: "openai", APIKey: "k", Model: "gpt-4-turbo"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := client.Model(); got != "gpt-4-turbo" {
		t.Errorf("Model() = %q, want gpt-4-turbo", got)
	}
}
