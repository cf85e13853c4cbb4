package backoff

import (
	"context"
	"fmt"
	"time"
)

// Delay computes the wait before retry attempt n (1-indexed) using
// quadratic backoff.
//
// Schedule with base=1s:
//
//	attempt 1 failed → wait 1s  (1² × 1s)
//	attempt 2 failed → wait 4s  (2² × 1s)
//	attempt 3 failed → wait 9s  (3² × 1s)
//
// The result is capped at max when max > 0.
func Delay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt*attempt)
	if max > 0 && d > max {
		return max
	}
	return d
}

// Config controls the Do retry loop.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for the quadratic schedule computed by Delay.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt wait. Zero means uncapped.
	MaxDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times, sleeping Delay between attempts.
// Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Last attempt — no delay, just return the error.
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(Delay(cfg.BaseDelay, attempt, cfg.MaxDelay)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
