package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"structward/internal/config"
)

type capturedChatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestOpenAIClientSendsChatRequest(t *testing.T) {
	var calls int32
	var gotPath, gotAuth string
	var gotBody capturedChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-test",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "  structure looks fine  "},
				"finish_reason": "stop"
			}]
		}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider:  "openai",
		APIKey:    "sk-test",
		Model:     "gpt-4o",
		MaxTokens: 2000,
		BaseURL:   srv.URL + "/v1",
	})

	report, err := client.CompleteWithSystem(context.Background(), "you are a reviewer", "check this project")
	require.NoError(t, err)
	assert.Equal(t, "structure looks fine", report, "response should be trimmed")

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o", gotBody.Model)
	assert.Equal(t, 2000, gotBody.MaxTokens)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "you are a reviewer", gotBody.Messages[0].Content)
	assert.Equal(t, "user", gotBody.Messages[1].Role)
	assert.Equal(t, "check this project", gotBody.Messages[1].Content)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIClientSurfacesAPIError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "upstream exploded", "type": "server_error"}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "sk-test",
		Model:    "gpt-4o",
		BaseURL:  srv.URL + "/v1",
	})

	_, err := client.CompleteWithSystem(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI API call failed")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "failed calls must not be retried")
}

func TestOpenAIClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "chatcmpl-test", "object": "chat.completion", "choices": []}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "sk-test",
		Model:    "gpt-4o",
		BaseURL:  srv.URL + "/v1",
	})

	_, err := client.CompleteWithSystem(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no completion returned")
}

func TestOpenAIClientMissingAPIKey(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.LLMConfig{
		Provider: "openai",
		Model:    "gpt-4o",
		BaseURL:  srv.URL + "/v1",
	})

	_, err := client.CompleteWithSystem(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not configured")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "no request should be made without a key")
}
