package util

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times, doubling the wait between calls
// starting from baseDelay. It is meant for short best-effort broker reads
// (quote lookups and the like); order submission has its own retry
// accounting in the queue and must not be wrapped in this.
//
// Returns nil on the first success, the context error if cancelled between
// calls, or the last error once attempts run out.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay):
		}
		baseDelay *= 2
	}
}
