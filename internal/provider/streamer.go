package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/parley-ai/parley/internal/log"
)

// attemptFunc performs one streaming call. It returns (emitted, nil)
// after sending a terminal stop event itself, or the classified error.
// emitted reports whether any event reached the consumer.
type attemptFunc func(ctx context.Context) (emitted bool, err *Error)

// runWithRetry executes the adapter attempt loop with exponential
// backoff. Retries apply only while nothing has been emitted; a failure
// after content started flowing terminates the sequence instead of
// replaying deltas. The terminal error stop event is emitted here.
func runWithRetry(
	ctx context.Context,
	id string,
	retry RetryConfig,
	limiter *rate.Limiter,
	logger log.Logger,
	events chan<- Event,
	attempt attemptFunc,
) {
	delay := retry.InitialInterval
	var lastErr *Error

	for n := 0; n <= retry.MaxRetries; n++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				events <- stopEvent(StopError, &Error{
					Provider: id, Message: fmt.Sprintf("rate limit wait: %v", err), Attempts: n + 1,
				})
				return
			}
		}

		emitted, attemptErr := attempt(ctx)
		if attemptErr == nil {
			return // attempt emitted its terminal stop event
		}
		attemptErr.Attempts = n + 1
		lastErr = attemptErr

		if !attemptErr.Temporary || emitted || n == retry.MaxRetries {
			break
		}

		logger.Debug("retrying provider call",
			"provider", id, "attempt", n+1, "delay", delay, "error", attemptErr.Message)

		var err error
		if delay, err = sleepBackoff(ctx, delay, retry.MaxInterval); err != nil {
			lastErr = &Error{Provider: id, Message: fmt.Sprintf("canceled during retry: %v", err), Attempts: n + 1}
			break
		}
	}

	events <- stopEvent(StopError, lastErr)
}
