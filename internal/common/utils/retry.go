// Package utils provides shared helpers for the engine: run ID generation and
// retry logic with exponential backoff.
package utils

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (caps exponential growth)
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// RetryableErrors determines which errors should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration:
// 3 attempts, 1s initial delay doubling up to 30s, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff executes fn up to MaxAttempts times with exponentially
// increasing delays between attempts. It supports context cancellation and
// configurable error filtering.
//
// Returns nil if fn succeeds within the attempt limit, the original error if
// it is non-retryable, a "retry cancelled" error if the context is cancelled,
// and a "max retries exceeded" error wrapping the last failure otherwise.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err

			if config.RetryableErrors != nil && !config.RetryableErrors(err) {
				return err
			}

			if attempt == config.MaxAttempts {
				break
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			if config.JitterFactor > 0 {
				jitter := time.Duration(float64(delay) * config.JitterFactor)
				delay = delay + time.Duration(randomInt64n(int64(jitter)))
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Retry executes fn with simple fixed-delay retry logic. Equivalent to
// RetryWithBackoff with BackoffFactor=1.0 and no jitter.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	config := RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
	}
	return RetryWithBackoff(context.Background(), config, fn)
}

// BackoffDelay computes the delay before retry number attempt (0-based) for the
// given base delay and multiplier, capped at max. Used by the orchestrator's
// per-record retry loop where attempts are driven externally.
func BackoffDelay(base time.Duration, factor float64, attempt int, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// randomInt64n returns a random int64 in the range [0, n), using crypto/rand
// with a time-based fallback. Returns 0 for n <= 0.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano() % n
	}

	v := int64(binary.BigEndian.Uint64(b[:]) >> 1)
	return v % n
}
