// Package core provides the shared kernel for the Flex orchestrator:
// logging and telemetry interfaces, the AI client boundary, structured
// errors, and Redis connection bootstrap. Every other package depends on
// core; core depends on nothing above the driver layer.
package core

import (
	"context"
	"time"
)

// Logger provides structured logging. Implementations must be safe for
// concurrent use. Field maps follow the convention that every call carries
// an "operation" key naming the action in snake_case.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger is an optional extension that scopes a logger to a
// named component (e.g. "flex/registry"). Constructors that receive a
// Logger should type-assert for this interface and scope when available.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry provides distributed tracing and metrics.
type Telemetry interface {
	// StartSpan starts a new span and returns the updated context.
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	// RecordMetric records a metric value with labels.
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a tracing span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AIClient is the boundary to a language-model runtime. The planner and the
// AI node executor depend only on this interface; concrete providers live in
// the ai package.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions configures a model completion request.
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
	// ResponseSchema, when set, requests schema-guided structured output.
	// Providers that cannot enforce it must still return JSON text.
	ResponseSchema map[string]interface{}
	// ResponseName labels the structured response (required by some
	// providers when ResponseSchema is set).
	ResponseName string
}

// AIResponse is a model completion.
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage reports token consumption for a completion.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CircuitBreaker protects calls to unreliable dependencies. Store and client
// implementations accept one as an optional dependency; when nil, calls run
// unprotected with their own retry layer.
type CircuitBreaker interface {
	// Execute runs fn with circuit protection. An open circuit returns
	// ErrCircuitBreakerOpen without invoking fn.
	Execute(ctx context.Context, fn func() error) error
	// ExecuteWithTimeout additionally bounds fn's execution time.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error
	// GetState returns "closed", "open" or "half-open".
	GetState() string
	// CanExecute reports whether a call would currently be allowed.
	CanExecute() bool
}

// NoOpLogger discards all log output. It is the default wherever a Logger
// dependency is not provided.
type NoOpLogger struct{}

func (n NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry discards all spans and metrics.
type NoOpTelemetry struct{}

func (n NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}
func (n NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan is the span returned by NoOpTelemetry.
type NoOpSpan struct{}

func (n NoOpSpan) End()                                       {}
func (n NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n NoOpSpan) RecordError(err error)                      {}
