package guard

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// LimiterConfig tunes one sliding-window rate limiter.
type LimiterConfig struct {
	// MaxRequests allowed within any trailing window.
	MaxRequests int
	// Per is the window length.
	Per time.Duration
	// SafetyMargin is added to every computed wait so a wake-up lands
	// safely past the oldest entry's expiry.
	SafetyMargin time.Duration
}

// SlidingWindowLimiter bounds the outbound call rate to the provider.
// Callers queue rather than get rejected, matching a provider that does not
// queue excess requests itself. State is process-local.
type SlidingWindowLimiter struct {
	cfg   LimiterConfig
	clock Clock

	mu     sync.Mutex
	stamps []time.Time
}

func NewSlidingWindowLimiter(cfg LimiterConfig, clock Clock) *SlidingWindowLimiter {
	if clock == nil {
		clock = Wallclock
	}
	return &SlidingWindowLimiter{cfg: cfg, clock: clock}
}

// Acquire blocks until a slot is available inside the trailing window, then
// takes it. Sleeps carry a small random jitter so concurrent waiters do not
// wake in lockstep.
func (l *SlidingWindowLimiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.mu.Lock()
		now := l.clock.Now()
		l.prune(now)
		if len(l.stamps) < l.cfg.MaxRequests {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.cfg.Per).Sub(now) + l.cfg.SafetyMargin
		l.mu.Unlock()

		if wait > 0 {
			wait += time.Duration(rand.Int63n(int64(wait)/8 + 1))
		}
		l.clock.Sleep(ctx, wait)
	}
}

// InFlight returns how many acquisitions remain inside the window.
func (l *SlidingWindowLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.stamps)
}

// prune drops timestamps that fell out of the trailing window. Caller holds
// the mutex.
func (l *SlidingWindowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Per)
	kept := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			l.stamps[kept] = ts
			kept++
		}
	}
	l.stamps = l.stamps[:kept]
}

// Gate caps simultaneous in-flight calls, independent of the time window, to
// bound burst size.
type Gate struct {
	slots chan struct{}
}

func NewGate(size int) *Gate {
	return &Gate{slots: make(chan struct{}, size)}
}

func (g *Gate) Enter(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) Leave() {
	<-g.slots
}
