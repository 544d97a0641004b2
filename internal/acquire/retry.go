package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig contains configuration for exponential backoff retries
type RetryConfig struct {
	MaxRetries    int           // Retries after the first attempt (default: 2)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// AttemptFunc performs one attempt
type AttemptFunc func(ctx context.Context) error

// RunWithRetry calls fn until it succeeds, retries are exhausted or ctx is done.
//
// Backoff schedule with the default config:
//   - Retry 1: 1 second
//   - Retry 2: 2 seconds
//   - Retry 3: 4 seconds
//   - ... capped at 30 seconds
//
// It returns the number of attempts made and the last error.
func RunWithRetry(ctx context.Context, fn AttemptFunc, cfg RetryConfig, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}

		logger.Error("acquire: attempt failed", "attempt", attempts, "error", err)

		if attempts > cfg.MaxRetries {
			return attempts, fmt.Errorf("acquire: giving up after %d attempts: %w", attempts, err)
		}

		delay := calculateBackoff(attempts, cfg)
		logger.Warn("acquire: retrying",
			"attempt", attempts,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempts, fmt.Errorf("acquire: cancelled during backoff: %w", ctx.Err())
		}
	}
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Beyond 2^20 the cap always wins; avoids shift overflow
	if attempt > 21 {
		return cfg.MaxRetryDelay
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
