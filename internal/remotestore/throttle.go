package remotestore

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits handler delivery to eventsPerSecond, queuing the excess.
// A non-positive rate disables throttling.
func Throttle(handler ChangeHandler, eventsPerSecond int) ChangeHandler {
	if eventsPerSecond <= 0 {
		return handler
	}
	limiter := rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond)
	return func(ctx context.Context, ev ChangeEvent) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		handler(ctx, ev)
	}
}
