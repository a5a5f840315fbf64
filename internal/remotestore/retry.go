package remotestore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry calls fn up to attempts times, doubling the pause after each failure
// starting from delay. It returns the last error, or ctx.Err() when the
// context ends while waiting.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	policy := Backoff{Initial: delay, Max: delay << min(attempts, 16), Factor: 2}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	},
		backoff.WithBackOff(policy.exponential()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
