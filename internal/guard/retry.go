package guard

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is one shared retry-with-backoff object, parameterized by a
// retryability classifier so the create call and the poll call cannot
// diverge in behavior.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of invocations, first try included.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable classifies an error. Non-retryable errors surface
	// immediately.
	Retryable func(error) bool
	// RetryAfter extracts an explicit wait hint from an error, e.g. a 429
	// Retry-After. When present and longer than the backoff, it wins.
	RetryAfter func(error) (time.Duration, bool)
	Clock      Clock
}

// Do runs fn until it succeeds, exhausts the attempt budget, or fails with a
// non-retryable error. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	clock := p.Clock
	if clock == nil {
		clock = Wallclock
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.backoff(attempt)
			if p.RetryAfter != nil {
				if hint, ok := p.RetryAfter(err); ok && hint > delay {
					delay = hint
				}
			}
			clock.Sleep(ctx, delay)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return err
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
	}
	return err
}

// backoff returns the exponential delay before the given attempt, with up to
// 50% random jitter on top.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt-2)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}
