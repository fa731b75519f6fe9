// Package ai provides the OpenAI-compatible model client used by the
// planner and the execution engine. Any endpoint speaking the
// /chat/completions dialect works; the base URL is configurable for
// proxies and self-hosted gateways.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/resilience"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = float32(0.2)
	defaultMaxTokens   = 2000
	defaultTimeout     = 120 * time.Second
)

// OpenAIClient implements core.AIClient against an OpenAI-compatible API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    core.CircuitBreaker
	retry      *resilience.Retry
	logger     core.Logger
	tel        core.Telemetry
}

// OpenAIOption configures the client.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient substitutes the transport.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCircuitBreaker protects requests with a breaker.
func WithCircuitBreaker(breaker core.CircuitBreaker) OpenAIOption {
	return func(c *OpenAIClient) { c.breaker = breaker }
}

// WithLogger attaches a logger.
func WithLogger(logger core.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry attaches a telemetry provider.
func WithTelemetry(tel core.Telemetry) OpenAIOption {
	return func(c *OpenAIClient) {
		if tel != nil {
			c.tel = tel
		}
	}
}

// NewOpenAIClient creates a client. With an empty apiKey the OPENAI_API_KEY
// and OPENAI_BASE_URL environment variables apply.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	c := &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retry:      resilience.NewRetry(resilience.DefaultRetryConfig()),
		logger:     core.NoOpLogger{},
		tel:        core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if cl, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cl.WithComponent("flex/ai")
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	Temperature    *float32               `json:"temperature,omitempty"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	ResponseFormat map[string]interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// GenerateResponse sends one chat completion request. A ResponseSchema in
// the options becomes a json_schema response format so the provider
// enforces the contract.
func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	ctx, span := c.tel.StartSpan(ctx, "ai.generate_response")
	defer span.End()

	if c.apiKey == "" {
		err := fmt.Errorf("openai api key not configured")
		span.RecordError(err)
		return nil, err
	}
	if options == nil {
		options = &core.AIOptions{}
	}

	model := options.Model
	if model == "" {
		model = c.model
	}
	temperature := options.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := options.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	span.SetAttribute("ai.model", model)
	span.SetAttribute("ai.prompt_length", len(prompt))

	var messages []chatMessage
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	request := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   maxTokens,
	}
	if options.ResponseSchema != nil {
		name := options.ResponseName
		if name == "" {
			name = "response"
		}
		request.ResponseFormat = map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   name,
				"schema": options.ResponseSchema,
			},
		}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var parsed chatResponse
	call := func() error {
		return c.retry.Do(ctx, func() error {
			return c.doRequest(ctx, payload, &parsed)
		})
	}
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		c.logger.Error("Model request failed", map[string]interface{}{
			"operation": "ai_request_error",
			"model":     model,
			"error":     err.Error(),
		})
		span.RecordError(err)
		return nil, err
	}

	if len(parsed.Choices) == 0 {
		err := fmt.Errorf("model returned no choices")
		span.RecordError(err)
		return nil, err
	}

	c.logger.Debug("Model request completed", map[string]interface{}{
		"operation":    "ai_request",
		"model":        model,
		"duration_ms":  time.Since(start).Milliseconds(),
		"total_tokens": parsed.Usage.TotalTokens,
	})
	c.tel.RecordMetric("flex.ai.requests", 1, map[string]string{"model": model})

	responseModel := parsed.Model
	if responseModel == "" {
		responseModel = model
	}
	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   responseModel,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (c *OpenAIClient) doRequest(ctx context.Context, payload []byte, out *chatResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr chatResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != nil {
			err := fmt.Errorf("api error (%d): %s", resp.StatusCode, apiErr.Error.Message)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return resilience.Retryable(err)
			}
			return err
		}
		err := fmt.Errorf("api error (%d)", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return resilience.Retryable(err)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
