package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config represents retry configuration
type Config struct {
	MaxAttempts int
	// Delay before the second attempt; it doubles for each later one
	Delay time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(err error) bool
}

// ErrExhausted wraps the last error once every attempt has failed
var ErrExhausted = errors.New("retries exhausted")

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}

		// Don't wait after the last attempt
		if i < attempts-1 {
			delay := time.Duration(1<<uint(i)) * cfg.Delay
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
