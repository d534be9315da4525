package guard

import (
	"context"
	"time"
)

// Clock abstracts time for the breaker, the limiter and the poll loop so
// their timing behavior is testable without real waiting.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context is done, whichever is first.
	Sleep(ctx context.Context, d time.Duration)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Wallclock is the real time source.
var Wallclock Clock = wallClock{}
