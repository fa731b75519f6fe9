// Package resilience provides the retry and circuit-breaker primitives the
// AI client and registry self-registration use around network calls.
package resilience

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// retryableError marks an error as transient.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks an error as transient so Retry.Do tries again. Unmarked
// errors fail immediately.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether an error was marked by Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Retry executes functions with exponential backoff on retryable errors.
type Retry struct {
	config *RetryConfig
}

// NewRetry creates a Retry with the given config, or defaults when nil.
func NewRetry(config *RetryConfig) *Retry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &Retry{config: config}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or the context is done.
func (r *Retry) Do(ctx context.Context, fn func() error) error {
	config := r.config
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		// Jitter prevents synchronized retries across clients.
		if config.JitterEnabled {
			delay += time.Duration(float64(delay) * 0.1 * math.Abs(math.Sin(float64(attempt))))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
