package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/flexhq/flex/core"
)

// Client self-registers a capability with a remote registry over HTTP and
// keeps it alive by re-POSTing the registration on the heartbeat interval.
// Re-registration is idempotent server-side, so the loop also self-heals
// after a registry restart wipes volatile state.
type Client struct {
	baseURL    string
	payload    *Registration
	httpClient *http.Client
	logger     core.Logger

	maxRetries   int
	refresh      time.Duration
	initialDelay time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (tests, custom transports).
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClientLogger attaches a logger.
func WithClientLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegisterRetries overrides the bounded retry count for the initial
// registration.
func WithRegisterRetries(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// NewClient builds a self-registration client. baseURL is the registry
// root, e.g. "http://flexd:8080"; the register endpoint is derived from it.
func NewClient(baseURL string, payload *Registration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		payload:      payload,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       core.NoOpLogger{},
		maxRetries:   getEnvInt("FLEX_CAPABILITY_SELF_REGISTER_RETRIES", 5),
		refresh:      time.Duration(getEnvInt("FLEX_CAPABILITY_REGISTER_REFRESH_SECONDS", 0)) * time.Second,
		initialDelay: time.Duration(getEnvInt("FLEX_CAPABILITY_REGISTER_INITIAL_DELAY_MS", 0)) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cl, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cl.WithComponent("flex/registry-client")
	}
	return c
}

// Start registers with bounded retries, then launches the heartbeat loop.
// It returns once the initial registration succeeds or the retry budget is
// exhausted.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.stop, c.stopped = stop, stopped
	c.mu.Unlock()

	abort := func(err error) error {
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
		return err
	}

	if c.initialDelay > 0 {
		select {
		case <-time.After(c.initialDelay):
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		lastErr = c.registerOnce(ctx)
		if lastErr == nil {
			break
		}
		c.logger.Warn("Self-registration attempt failed", map[string]interface{}{
			"operation":     "capability_self_register",
			"capability_id": c.payload.CapabilityID,
			"attempt":       attempt,
			"max_retries":   c.maxRetries,
			"error":         lastErr.Error(),
		})
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-time.After(backoffWithJitter(attempt)):
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}
	if lastErr != nil {
		return abort(fmt.Errorf("self-registration failed after %d attempts: %w", c.maxRetries, lastErr))
	}

	go c.heartbeatLoop(stop, stopped)
	return nil
}

// Stop terminates the heartbeat loop and waits for it to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	stop, stopped := c.stop, c.stopped
	c.stop = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// heartbeatLoop takes its channels as parameters so that a concurrent Stop,
// which nils the stop field, cannot change what the loop selects on.
func (c *Client) heartbeatLoop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := c.refresh
	if interval <= 0 {
		interval = 30 * time.Second
		if c.payload.Heartbeat != nil && c.payload.Heartbeat.IntervalSeconds > 0 {
			interval = time.Duration(c.payload.Heartbeat.IntervalSeconds) * time.Second
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.registerOnce(ctx); err != nil {
				c.logger.Warn("Heartbeat re-registration failed", map[string]interface{}{
					"operation":     "capability_heartbeat",
					"capability_id": c.payload.CapabilityID,
					"error":         err.Error(),
				})
			} else {
				c.logger.Debug("Heartbeat re-registration succeeded", map[string]interface{}{
					"operation":     "capability_heartbeat",
					"capability_id": c.payload.CapabilityID,
				})
			}
			cancel()
		}
	}
}

func (c *Client) registerOnce(ctx context.Context) error {
	body, err := json.Marshal(c.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	url := c.baseURL + "/api/flex/capabilities/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}

// backoffWithJitter grows exponentially from 500ms and adds up to 250ms of
// jitter so restarting fleets do not re-register in lockstep.
func backoffWithJitter(attempt int) time.Duration {
	base := 500 * time.Millisecond << (attempt - 1)
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(250))
	if err != nil {
		return base
	}
	return base + time.Duration(jitter.Int64())*time.Millisecond
}
