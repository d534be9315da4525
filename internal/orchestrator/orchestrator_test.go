package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artifex-bot/artifex/internal/guard"
	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/internal/provider"
	"github.com/artifex-bot/artifex/pkg/logger"
)

type statusStep struct {
	status *models.TaskStatus
	err    error
}

// scriptedProvider plays back a fixed sequence of create and status
// responses; the last step repeats once the script runs out.
type scriptedProvider struct {
	mu          sync.Mutex
	taskID      string
	createErrs  []error
	createCalls int
	script      []statusStep
	statusCalls int
}

func (p *scriptedProvider) CreateTask(ctx context.Context, req *models.CreateTaskRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return p.taskID, nil
}

func (p *scriptedProvider) TaskStatus(ctx context.Context, taskID string, format models.PayloadFormat) (*models.TaskStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	step := p.script[len(p.script)-1]
	if p.statusCalls <= len(p.script) {
		step = p.script[p.statusCalls-1]
	}
	return step.status, step.err
}

func newTestOrchestrator(cfg Config, svc models.ProviderService, clock guard.Clock, retry guard.RetryPolicy, breaker *guard.CircuitBreaker) *Orchestrator {
	limiter := guard.NewSlidingWindowLimiter(guard.LimiterConfig{
		MaxRequests: 1000,
		Per:         time.Second,
	}, clock)
	if breaker == nil {
		breaker = guard.NewCircuitBreaker(guard.BreakerConfig{
			FailureThreshold: 1000,
			SuccessThreshold: 1,
			CoolDown:         time.Minute,
		}, clock)
	}
	return New(cfg, svc, limiter, guard.NewGate(4), breaker, retry, clock, logger.NewNop())
}

func waitingThen(terminal *models.TaskStatus, waits int) []statusStep {
	script := make([]statusStep, 0, waits+1)
	for i := 0; i < waits; i++ {
		script = append(script, statusStep{status: &models.TaskStatus{State: models.TaskStateWaiting}})
	}
	return append(script, statusStep{status: terminal})
}

func TestRunSucceedsAfterWaiting(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID: "prov-1",
		script: waitingThen(&models.TaskStatus{
			State:  models.TaskStateSuccess,
			Result: []byte(`{"url":"https://cdn/img.png"}`),
		}, 3),
	}
	o := newTestOrchestrator(Config{PollDeadline: 10 * time.Minute}, svc, clock, guard.RetryPolicy{MaxAttempts: 1, Clock: clock}, nil)

	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "flux-dev", Format: models.FormatStandard}, nil)
	require.Equal(t, models.JobStatusSuccess, out.State)
	require.Equal(t, "prov-1", out.ProviderTaskID)
	require.JSONEq(t, `{"url":"https://cdn/img.png"}`, string(out.Result))
	require.Equal(t, 1, svc.createCalls)
	require.Equal(t, 4, svc.statusCalls)
	// Three waiting rounds slept at least the base short-phase delay each.
	require.GreaterOrEqual(t, clock.Now().Sub(time.Unix(5000, 0)), 6*time.Second)
}

func TestRunMapsProviderFailure(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID: "prov-1",
		script: waitingThen(&models.TaskStatus{
			State:       models.TaskStateFail,
			FailCode:    "nsfw_content",
			FailMessage: "prompt rejected",
		}, 1),
	}
	o := newTestOrchestrator(Config{PollDeadline: 10 * time.Minute}, svc, clock, guard.RetryPolicy{MaxAttempts: 1, Clock: clock}, nil)

	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "flux-dev", Format: models.FormatStandard}, nil)
	require.Equal(t, models.JobStatusFail, out.State)
	require.Equal(t, "nsfw_content", out.FailCode)
	require.Equal(t, "prompt rejected", out.FailMessage)
}

func TestRunTimesOutAtDeadline(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID: "prov-1",
		script: []statusStep{{status: &models.TaskStatus{State: models.TaskStateWaiting}}},
	}
	o := newTestOrchestrator(Config{PollDeadline: time.Minute}, svc, clock, guard.RetryPolicy{MaxAttempts: 1, Clock: clock}, nil)

	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "flux-dev", Format: models.FormatStandard}, nil)
	require.Equal(t, models.JobStatusTimeout, out.State)
	require.Equal(t, FailCodeTimeout, out.FailCode)
	require.Equal(t, "prov-1", out.ProviderTaskID)
	// The loop never sleeps past the deadline by more than one clamped delay.
	require.GreaterOrEqual(t, clock.Now().Sub(time.Unix(5000, 0)), time.Minute)
}

func TestCreateFailsFastOnClientError(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID:     "prov-1",
		createErrs: []error{&provider.APIError{Status: 400, Code: "unknown_model", Message: "no such model"}},
	}
	retry := guard.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Retryable:   provider.IsRetryable,
		RetryAfter:  provider.RetryAfterHint,
		Clock:       clock,
	}
	o := newTestOrchestrator(Config{PollDeadline: time.Minute}, svc, clock, retry, nil)

	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "nope", Format: models.FormatStandard}, nil)
	require.Equal(t, models.JobStatusFail, out.State)
	require.Equal(t, "unknown_model", out.FailCode)
	require.Equal(t, "no such model", out.FailMessage)
	require.Equal(t, 1, svc.createCalls)
}

func TestCreateRetriesServerErrors(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID: "prov-1",
		createErrs: []error{
			&provider.APIError{Status: 503, Message: "overloaded"},
			&provider.APIError{Status: 503, Message: "overloaded"},
			nil,
		},
		script: waitingThen(&models.TaskStatus{State: models.TaskStateSuccess, Result: []byte(`{}`)}, 0),
	}
	retry := guard.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Retryable:   provider.IsRetryable,
		RetryAfter:  provider.RetryAfterHint,
		Clock:       clock,
	}
	o := newTestOrchestrator(Config{PollDeadline: time.Minute}, svc, clock, retry, nil)

	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "flux-dev", Format: models.FormatStandard}, nil)
	require.Equal(t, models.JobStatusSuccess, out.State)
	require.Equal(t, 3, svc.createCalls)
}

func TestOpenBreakerYieldsCircuitOpenOutcome(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID: "prov-1",
		script: []statusStep{{err: &provider.APIError{Status: 503, Message: "overloaded"}}},
	}
	breaker := guard.NewCircuitBreaker(guard.BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		CoolDown:         time.Minute,
	}, clock)
	retry := guard.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Retryable:   provider.IsRetryable,
		RetryAfter:  provider.RetryAfterHint,
		Clock:       clock,
	}
	o := newTestOrchestrator(Config{PollDeadline: time.Minute}, svc, clock, retry, breaker)

	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "flux-dev", Format: models.FormatStandard}, nil)
	require.Equal(t, models.JobStatusFail, out.State)
	require.Equal(t, FailCodeCircuitOpen, out.FailCode)
}

func TestNextPollGrowsWithElapsedTime(t *testing.T) {
	remaining := time.Hour
	cases := []struct {
		elapsed time.Duration
		base    time.Duration
	}{
		{10 * time.Second, 2 * time.Second},
		{time.Minute, 5 * time.Second},
		{3 * time.Minute, 10 * time.Second},
		{10 * time.Minute, 20 * time.Second},
	}
	for _, tc := range cases {
		delay, ok := NextPoll(tc.elapsed, remaining)
		require.True(t, ok)
		require.GreaterOrEqual(t, delay, tc.base)
		require.LessOrEqual(t, delay, tc.base+tc.base/4)
	}
}

func TestNextPollClampsToRemaining(t *testing.T) {
	delay, ok := NextPoll(time.Second, 500*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, 500*time.Millisecond, delay)

	_, ok = NextPoll(time.Second, 0)
	require.False(t, ok)
}

func TestHeartbeatPacesProgressWhileWaiting(t *testing.T) {
	clock := guard.NewFakeClock(time.Unix(5000, 0))
	svc := &scriptedProvider{
		taskID: "prov-1",
		script: waitingThen(&models.TaskStatus{
			State:  models.TaskStateSuccess,
			Result: []byte(`{"url":"https://cdn/img.png"}`),
		}, 12),
	}
	o := newTestOrchestrator(Config{
		PollDeadline:      10 * time.Minute,
		HeartbeatInterval: 5 * time.Second,
	}, svc, clock, guard.RetryPolicy{MaxAttempts: 1, Clock: clock}, nil)

	var beats []time.Duration
	out := o.Run(context.Background(), &models.CreateTaskRequest{ModelID: "flux-dev", Format: models.FormatStandard}, func(elapsed time.Duration) {
		beats = append(beats, elapsed)
	})
	require.Equal(t, models.JobStatusSuccess, out.State)

	// Twelve waiting rounds advance the fake clock well past several
	// intervals; the beats follow that clock, at least an interval apart.
	require.GreaterOrEqual(t, len(beats), 3)
	require.GreaterOrEqual(t, beats[0], 5*time.Second)
	for i := 1; i < len(beats); i++ {
		require.GreaterOrEqual(t, beats[i]-beats[i-1], 5*time.Second)
	}
}
