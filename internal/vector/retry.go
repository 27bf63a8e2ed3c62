package vector

import (
	"context"
	"time"

	"compass/pkg/logging"
)

// withRetry runs op up to attempts times, sleeping base, 2*base, ... between
// tries. Only the last error is returned; each intermediate failure is
// logged at WARN with its attempt number. Context cancellation aborts the
// wait immediately.
func withRetry(ctx context.Context, attempts int, base time.Duration, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := base << (attempt - 1)
		logging.Warn("Vector", "%s failed (attempt %d/%d), retrying in %s: %v",
			what, attempt, attempts, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
