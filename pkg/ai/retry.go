package ai

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Retry runs op until it succeeds, returns a fatal error, or the attempt
// budget is spent. Recoverable and unclassified errors are retried with
// exponential backoff per cfg; fatal errors abort immediately.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.backoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("exhausted %d retry attempts: %w", cfg.MaxRetries, lastErr)
}

// backoffDelay computes the wait before retry number attempt (1-based),
// with jitter to spread simultaneous retries apart.
func (cfg RetryConfig) backoffDelay(attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterPercent > 0 {
		jitterRange := delay * float64(cfg.JitterPercent)
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
	}
	if delay < 0 {
		delay = float64(cfg.InitialDelay)
	}
	return time.Duration(delay)
}
