package adapters

import (
	"context"
	"fmt"
	"time"
)

// RetryPause is the wait between attempts. A variable so tests can shrink it.
var RetryPause = 2 * time.Second

// Retry runs fn up to attempts times, stopping early on the first success.
// A (false, nil) result counts as a failed attempt just like an error. The
// bound comes from the task's own retry budget, not an adapter-level one.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) (bool, error)) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := fn(ctx)
		if ok && err == nil {
			return true, nil
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(RetryPause):
			}
		}
	}
	if lastErr != nil {
		return false, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
	}
	return false, nil
}
