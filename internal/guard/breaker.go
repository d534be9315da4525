package guard

import (
	"fmt"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// OpenError is returned when the breaker rejects a call without invoking it.
type OpenError struct {
	// RetryAfter estimates how long until the breaker will try again.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open, retry in %s", e.RetryAfter.Round(time.Second))
}

// BreakerConfig is the static tuning of one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration
}

// CircuitBreaker fails fast while the provider is unhealthy. One instance
// guards one provider boundary; state is process-local.
type CircuitBreaker struct {
	cfg   BreakerConfig
	clock Clock

	mu          sync.Mutex
	state       string
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time
}

func NewCircuitBreaker(cfg BreakerConfig, clock Clock) *CircuitBreaker {
	if clock == nil {
		clock = Wallclock
	}
	return &CircuitBreaker{cfg: cfg, clock: clock, state: StateClosed}
}

// Call invokes fn unless the breaker is open and still cooling down. The
// mutex guards transitions only, not fn itself, so closed and half-open
// calls may run concurrently.
func (b *CircuitBreaker) Call(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// One trial call at a time.
		if b.probing {
			return &OpenError{RetryAfter: b.cfg.CoolDown}
		}
		b.probing = true
		return nil
	}
	elapsed := b.clock.Now().Sub(b.lastFailure)
	if elapsed < b.cfg.CoolDown {
		return &OpenError{RetryAfter: b.cfg.CoolDown - elapsed}
	}
	// Cool-down elapsed, probe the provider.
	b.state = StateHalfOpen
	b.successes = 0
	b.probing = true
	return nil
}

func (b *CircuitBreaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = b.clock.Now()
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.probing = false
		if !ok {
			// Any half-open failure reopens and restarts the cool-down.
			b.state = StateOpen
			b.failures = b.cfg.FailureThreshold
			b.lastFailure = b.clock.Now()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateOpen:
		// A call that started before the trip finished late; counters are
		// already settled.
		if !ok {
			b.lastFailure = b.clock.Now()
		}
	}
}
