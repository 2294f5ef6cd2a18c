package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"structward/internal/config"
	"structward/internal/logging"
)

// OpenAIClient implements Client over the OpenAI chat completions API.
type OpenAIClient struct {
	client      *openai.Client
	apiKey      string
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// NewOpenAIClient creates an OpenAI-backed client. BaseURL overrides
// the endpoint, for gateways and tests.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.GetTimeout(),
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

// CompleteWithSystem sends one chat completion request. Failures are
// returned as-is; there is no retry loop.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	start := time.Now()
	logging.LLMDebug("[OpenAI] completion: model=%s system_len=%d user_len=%d",
		c.model, len(systemPrompt), len(userPrompt))

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		logging.LLMError("[OpenAI] completion failed after %v: %v", time.Since(start), err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	report := strings.TrimSpace(resp.Choices[0].Message.Content)
	logging.LLM("[OpenAI] completion finished in %v response_len=%d finish_reason=%s",
		time.Since(start), len(report), resp.Choices[0].FinishReason)
	return report, nil
}

var _ Client = (*OpenAIClient)(nil)
