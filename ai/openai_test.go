package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/resilience"
)

func completionBody(content string) map[string]interface{} {
	return map[string]interface{}{
		"model": "gpt-4o-mini",
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     12,
			"completion_tokens": 8,
			"total_tokens":      20,
		},
	}
}

func TestOpenAIClientGenerateResponse(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(completionBody(`{"ok": true}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithBaseURL(server.URL))
	response, err := client.GenerateResponse(context.Background(), "plan this", &core.AIOptions{
		SystemPrompt: "you are a planner",
		MaxTokens:    4000,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, response.Content)
	assert.Equal(t, "gpt-4o-mini", response.Model)
	assert.Equal(t, 20, response.Usage.TotalTokens)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "plan this", captured.Messages[1].Content)
	assert.Equal(t, 4000, captured.MaxTokens)
	assert.Equal(t, defaultModel, captured.Model)
}

func TestOpenAIClientResponseSchemaFormat(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(completionBody(`{}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithBaseURL(server.URL))
	_, err := client.GenerateResponse(context.Background(), "draft", &core.AIOptions{
		ResponseName: "plan_draft",
		ResponseSchema: map[string]interface{}{
			"type": "object",
		},
	})
	require.NoError(t, err)

	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_schema", captured.ResponseFormat["type"])
	schema, ok := captured.ResponseFormat["json_schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "plan_draft", schema["name"])
}

func TestOpenAIClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{"message": "rate limited", "type": "rate_limit"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(completionBody("recovered"))
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithBaseURL(server.URL))
	response, err := client.GenerateResponse(context.Background(), "draft", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", response.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": "unknown model", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithBaseURL(server.URL))
	_, err := client.GenerateResponse(context.Background(), "draft", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIClientCircuitBreakerShortCircuits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          0,
	})
	client := NewOpenAIClient("test-key", WithBaseURL(server.URL), WithCircuitBreaker(breaker))

	_, err := client.GenerateResponse(context.Background(), "draft", nil)
	require.Error(t, err)
	assert.NotEqual(t, resilience.StateClosed, breaker.GetState())
}

func TestOpenAIClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	client := NewOpenAIClient("", WithBaseURL("http://localhost:1"))

	_, err := client.GenerateResponse(context.Background(), "draft", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestOpenAIClientRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer server.Close()

	client := NewOpenAIClient("test-key", WithBaseURL(server.URL))
	_, err := client.GenerateResponse(context.Background(), "draft", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
