package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/flexhq/flex/core"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreakerConfig tunes the breaker thresholds.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	Logger  core.Logger
}

// DefaultCircuitBreakerConfig provides sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements core.CircuitBreaker with the classic
// closed/open/half-open state machine. Consecutive failures open the
// circuit; after the timeout a single probe is allowed through.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        string
	failures     int
	successes    int
	openedAt     time.Time
	halfOpenBusy bool
}

// NewCircuitBreaker creates a breaker with the given config, or defaults
// when nil.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn with circuit protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.acquire() {
		return core.ErrCircuitBreakerOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithTimeout additionally bounds fn's execution time.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return cb.Execute(ctx, func() error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		}
	})
}

// GetState returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// CanExecute reports whether a call would currently be allowed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	if cb.state == StateOpen {
		return false
	}
	if cb.state == StateHalfOpen && cb.halfOpenBusy {
		return false
	}
	return true
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenBusy = false
}

// acquire claims an execution slot, transitioning open → half-open when the
// timeout has elapsed. Half-open admits one probe at a time.
func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenBusy {
			return false
		}
		cb.halfOpenBusy = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.halfOpenBusy = false
		if err != nil {
			cb.trip()
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.logger.Info("Circuit closed", map[string]interface{}{
				"operation": "circuit_breaker",
				"state":     StateClosed,
			})
		}
		return
	}

	if err != nil {
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
		return
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.logger.Warn("Circuit opened", map[string]interface{}{
		"operation":  "circuit_breaker",
		"state":      StateOpen,
		"timeout_ms": cb.config.Timeout.Milliseconds(),
	})
}

func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.halfOpenBusy = false
	}
}
