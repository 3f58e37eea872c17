package billing

import (
	"context"
	"log/slog"
	"time"

	"coursedesk/internal/types"
)

// retryPolicy bounds how many times a handler is invoked per delivery and
// how long to wait between attempts. The delay doubles after each failure;
// on final exhaustion the provider's own redelivery schedule takes over.
type retryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// retrier executes a handler with bounded exponential backoff. Sleeping is
// injectable so tests observe the delay schedule without waiting it out.
type retrier struct {
	policy  retryPolicy
	sleepFn func(time.Duration)
	logger  *slog.Logger
}

func newRetrier(policy retryPolicy, logger *slog.Logger) *retrier {
	return &retrier{
		policy:  policy,
		sleepFn: time.Sleep,
		logger:  logger,
	}
}

// run invokes fn until it succeeds, fails non-retryably, or the attempt
// budget is spent. After every failed attempt it sleeps BaseDelay*2^(n-1);
// the context is checked before each attempt so a canceled request stops
// retrying immediately.
func (r *retrier) run(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var lastErr error
	delay := r.policy.BaseDelay
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "processing canceled", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}

		logger.Warn("transient failure processing event",
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"error", lastErr,
		)
		r.sleepFn(delay)
		delay *= 2
	}
	return lastErr
}
