package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     *Error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	notify func(err *Error, delay time.Duration)
}

// WithNotify is called before each retry with the failure and the wait.
func WithNotify(fn func(err *Error, delay time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// flooredBackOff raises the next delay to the rate-limit floor of the last
// failure.
type flooredBackOff struct {
	backoff.BackOff
	floor *time.Duration
}

func (b *flooredBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return max(next, *b.floor)
}

// Do runs op until it succeeds, fails with a terminal error, or has used
// policy.MaxRetries attempts. Terminal failures return the classified *Error;
// exhaustion returns *ExhaustedError.
func Do[T any](ctx context.Context, policy Policy, provider string, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	policy = policy.withDefaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		floor    time.Duration
		attempts int
		last     *Error
	)

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxDelay,
	}

	attempt := func() (T, error) {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		defer cancel()

		v, err := op(actx)
		if err == nil {
			return v, nil
		}
		last = classify(provider, err, policy.RateLimitFloor)
		floor = last.MinWait
		if !last.Retryable() {
			return v, backoff.Permanent(last)
		}
		return v, last
	}

	v, err := backoff.Retry[T](ctx, attempt,
		backoff.WithBackOff(&flooredBackOff{BackOff: exp, floor: &floor}),
		backoff.WithMaxTries(uint(policy.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.RecordRetry(provider, last.Kind.String())
			logging.Op().Warn("outbound call failed, retrying",
				"provider", provider,
				"attempt", attempts,
				"kind", last.Kind.String(),
				"delay", d,
				"error", last.Err)
			if o.notify != nil {
				o.notify(last, d)
			}
		}),
	)
	if err == nil {
		return v, nil
	}

	var ce *Error
	switch {
	case last == nil:
		return v, err
	case !errors.As(err, &ce):
		// context ended between attempts
		return v, fmt.Errorf("%s retry aborted: %w", provider, err)
	case !ce.Retryable():
		return v, ce
	default:
		return v, &ExhaustedError{Attempts: attempts, Last: ce}
	}
}
