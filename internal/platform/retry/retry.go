// Package retry implements the bounded exponential backoff used by storage
// backends to turn transient connection errors into either a successful
// retry or a StorageUnavailable error, per the recovery discipline in the
// error handling design: 3 attempts by default, waiting 100ms and then
// 400ms between them.
package retry

import (
	"context"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultConfig is the 3-attempt, 100ms-base schedule: waits of 100ms and
// 400ms between the three calls.
var DefaultConfig = Config{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// Do calls fn up to cfg.Attempts times, waiting cfg.BaseDelay*4^(n-1)
// before the n-th retry, retrying only when fn returns an error for which
// retryable(err) is true. It returns the last error if every attempt fails,
// or nil on the first success. ctx cancellation aborts immediately.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 4
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
