package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/artifex-bot/artifex/internal/guard"
	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/internal/provider"
	"github.com/artifex-bot/artifex/pkg/logger"
)

// Failure codes carried on a non-success outcome. They drive the release
// reason and the user-facing message.
const (
	FailCodeCreate      = "create_failed"
	FailCodeCircuitOpen = "circuit_open"
	FailCodeUpstream    = "upstream"
	FailCodeTimeout     = "timeout"
	FailCodeProvider    = "provider_fail"
)

// Config tunes one orchestrator instance.
type Config struct {
	// PollDeadline bounds the whole waiting phase. It is fixed when the task
	// is created and re-checked each iteration; no caller cancellation
	// drives the loop.
	PollDeadline time.Duration
	// HeartbeatInterval paces progress notifications. A notification fires
	// on the first poll wake-up after each interval, so the pace follows
	// the injected clock.
	HeartbeatInterval time.Duration
}

// Outcome is the terminal result of one orchestration run. Settlement is the
// caller's job; the orchestrator never touches billing.
type Outcome struct {
	State          string
	ProviderTaskID string
	Result         []byte
	FailCode       string
	FailMessage    string
}

// HeartbeatFunc receives progress ticks while a task is waiting.
type HeartbeatFunc func(elapsed time.Duration)

// Orchestrator drives one generation from create through polling to a
// terminal state. All provider traffic goes through the rate limiter, the
// concurrency gate and the circuit breaker, with one shared retry policy for
// the create and the poll call.
type Orchestrator struct {
	logger   *logger.Logger
	cfg      Config
	provider models.ProviderService
	limiter  *guard.SlidingWindowLimiter
	gate     *guard.Gate
	breaker  *guard.CircuitBreaker
	retry    guard.RetryPolicy
	clock    guard.Clock
}

func New(
	cfg Config,
	providerSvc models.ProviderService,
	limiter *guard.SlidingWindowLimiter,
	gate *guard.Gate,
	breaker *guard.CircuitBreaker,
	retry guard.RetryPolicy,
	clock guard.Clock,
	logger *logger.Logger,
) *Orchestrator {
	if clock == nil {
		clock = guard.Wallclock
	}
	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		provider: providerSvc,
		limiter:  limiter,
		gate:     gate,
		breaker:  breaker,
		retry:    retry,
		clock:    clock,
	}
}

// Run executes create and waiting for one task and always returns a terminal
// outcome.
func (o *Orchestrator) Run(ctx context.Context, req *models.CreateTaskRequest, heartbeat HeartbeatFunc) *Outcome {
	taskID, err := o.create(ctx, req)
	if err != nil {
		o.logger.Error("Task creation failed ", "model ", req.ModelID, " error ", err)
		return failOutcome("", err, FailCodeCreate)
	}
	o.logger.Info("Task created ", "model ", req.ModelID, " provider_task ", taskID)
	return o.wait(ctx, taskID, req.Format, heartbeat)
}

// create submits the task through the guards, retrying transient failures.
func (o *Orchestrator) create(ctx context.Context, req *models.CreateTaskRequest) (string, error) {
	var taskID string
	err := o.retry.Do(ctx, func() error {
		return o.guardedCall(ctx, func() error {
			id, err := o.provider.CreateTask(ctx, req)
			if err != nil {
				return err
			}
			taskID = id
			return nil
		})
	})
	return taskID, err
}

// wait polls the status endpoint until a terminal state or the deadline.
func (o *Orchestrator) wait(ctx context.Context, taskID string, format models.PayloadFormat, heartbeat HeartbeatFunc) *Outcome {
	started := o.clock.Now()
	deadline := started.Add(o.cfg.PollDeadline)
	lastBeat := started

	for {
		now := o.clock.Now()
		if heartbeat != nil && o.cfg.HeartbeatInterval > 0 && now.Sub(lastBeat) >= o.cfg.HeartbeatInterval {
			heartbeat(now.Sub(started))
			lastBeat = now
		}
		if !now.Before(deadline) {
			o.logger.Warn("Task deadline exceeded ", "provider_task ", taskID)
			return &Outcome{
				State:          models.JobStatusTimeout,
				ProviderTaskID: taskID,
				FailCode:       FailCodeTimeout,
				FailMessage:    "generation did not finish in time",
			}
		}

		var status *models.TaskStatus
		err := o.retry.Do(ctx, func() error {
			return o.guardedCall(ctx, func() error {
				st, err := o.provider.TaskStatus(ctx, taskID, format)
				if err != nil {
					return err
				}
				status = st
				return nil
			})
		})
		if err != nil {
			o.logger.Error("Status polling failed ", "provider_task ", taskID, " error ", err)
			out := failOutcome(taskID, err, FailCodeUpstream)
			return out
		}

		switch status.State {
		case models.TaskStateSuccess:
			return &Outcome{
				State:          models.JobStatusSuccess,
				ProviderTaskID: taskID,
				Result:         status.Result,
			}
		case models.TaskStateFail:
			return &Outcome{
				State:          models.JobStatusFail,
				ProviderTaskID: taskID,
				FailCode:       nonEmpty(status.FailCode, FailCodeProvider),
				FailMessage:    status.FailMessage,
			}
		}

		elapsed := o.clock.Now().Sub(started)
		delay, ok := NextPoll(elapsed, deadline.Sub(o.clock.Now()))
		if !ok {
			continue
		}
		o.clock.Sleep(ctx, delay)
	}
}

// guardedCall applies gate, limiter and breaker around one provider call.
func (o *Orchestrator) guardedCall(ctx context.Context, fn func() error) error {
	if err := o.gate.Enter(ctx); err != nil {
		return err
	}
	defer o.gate.Leave()
	if err := o.limiter.Acquire(ctx); err != nil {
		return err
	}
	return o.breaker.Call(fn)
}

// NextPoll is the poll step function: a delay that grows with elapsed wall
// time, with jitter, clamped to the time remaining before the deadline. The
// second return is false once no wait should happen.
func NextPoll(elapsed, remaining time.Duration) (time.Duration, bool) {
	if remaining <= 0 {
		return 0, false
	}
	var delay time.Duration
	switch {
	case elapsed < 30*time.Second:
		delay = 2 * time.Second
	case elapsed < 2*time.Minute:
		delay = 5 * time.Second
	case elapsed < 5*time.Minute:
		delay = 10 * time.Second
	default:
		delay = 20 * time.Second
	}
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	if delay > remaining {
		delay = remaining
	}
	return delay, true
}

func failOutcome(taskID string, err error, defaultCode string) *Outcome {
	code := defaultCode
	message := err.Error()
	var open *guard.OpenError
	var apiErr *provider.APIError
	switch {
	case errors.As(err, &open):
		code = FailCodeCircuitOpen
	case errors.As(err, &apiErr):
		if apiErr.Code != "" {
			code = apiErr.Code
		}
		message = apiErr.Message
	}
	return &Outcome{
		State:          models.JobStatusFail,
		ProviderTaskID: taskID,
		FailCode:       code,
		FailMessage:    message,
	}
}

func nonEmpty(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
