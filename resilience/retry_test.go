package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxAttempts int) *Retry {
	return NewRetry(&RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	})
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	transient := errors.New("still down")
	calls := 0
	err := fastRetry(3).Do(context.Background(), func() error {
		calls++
		return Retryable(transient)
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := NewRetry(&RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Hour,
	}).Do(ctx, func() error {
		calls++
		cancel()
		return Retryable(errors.New("transient"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryableMarking(t *testing.T) {
	assert.Nil(t, Retryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))

	base := errors.New("rate limited")
	marked := Retryable(base)
	assert.True(t, IsRetryable(marked))
	assert.ErrorIs(t, marked, base)
	assert.Equal(t, base.Error(), marked.Error())
}
