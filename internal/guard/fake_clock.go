package guard

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually driven time source for tests. Sleep advances the
// clock instead of blocking, so timing behavior runs instantly and
// deterministically.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.Advance(d)
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
