package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/core"
)

// probeBreaker opens after two failures and transitions to half-open as soon
// as it is observed again (zero timeout).
func probeBreaker() *CircuitBreaker {
	return NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          0,
	})
}

func failTimes(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	boom := errors.New("boom")
	for i := 0; i < n; i++ {
		err := cb.Execute(context.Background(), func() error { return boom })
		require.ErrorIs(t, err, boom)
	}
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.CanExecute())

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	failTimes(t, cb, 2)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.CanExecute())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	failTimes(t, cb, 1)
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	failTimes(t, cb, 1)

	// The streak was broken, so one more failure is still below threshold.
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenProbeCloses(t *testing.T) {
	cb := probeBreaker()
	failTimes(t, cb, 2)

	// The zero timeout makes the next observation half-open.
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb := probeBreaker()
	failTimes(t, cb, 2)
	require.Equal(t, StateHalfOpen, cb.GetState())

	failTimes(t, cb, 1)

	// A failed probe trips the circuit again; zero timeout means the state
	// reads half-open, but a fresh success streak is required to close.
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	cb := probeBreaker()
	failTimes(t, cb, 2)
	require.Equal(t, StateHalfOpen, cb.GetState())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// While the probe is in flight no second call is admitted.
	assert.False(t, cb.CanExecute())
	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	close(release)
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	failTimes(t, cb, 1)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreakerExecuteWithTimeout(t *testing.T) {
	cb := NewCircuitBreaker(nil)

	err := cb.ExecuteWithTimeout(context.Background(), 10*time.Millisecond, func() error {
		time.Sleep(time.Second)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, cb.ExecuteWithTimeout(context.Background(), time.Second, func() error {
		return nil
	}))
}

func TestCircuitBreakerRespectsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
