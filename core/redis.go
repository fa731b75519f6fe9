package core

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient connects to Redis with production pool settings and
// verifies the connection with a bounded ping-retry loop. The URL accepts
// the standard redis:// / rediss:// forms including auth and db selection.
func NewRedisClient(redisURL string, logger Logger) (*redis.Client, error) {
	if logger == nil {
		logger = NoOpLogger{}
	}

	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"operation":  "redis_connect",
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		})
		return nil, fmt.Errorf("invalid redis URL: %w", ErrInvalidConfiguration)
	}

	// Pool sizing follows the connection-per-core guidance for mixed
	// read/write workloads.
	opt.PoolSize = 10 * runtime.NumCPU()
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	var pingErr error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		pingErr = client.Ping(ctx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		logger.Warn("Redis ping failed, retrying", map[string]interface{}{
			"operation": "redis_connect",
			"attempt":   attempt,
			"error":     pingErr.Error(),
		})
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	if pingErr != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable after 3 attempts: %w", ErrConnectionFailed)
	}

	logger.Info("Redis client connected", map[string]interface{}{
		"operation": "redis_connect",
		"addr":      opt.Addr,
		"db":        opt.DB,
		"pool_size": opt.PoolSize,
	})

	return client, nil
}
