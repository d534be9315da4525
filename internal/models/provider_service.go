package models

import (
	"context"
	"encoding/json"
)

// PayloadFormat selects the request/response shape used by the provider for
// one task. It is chosen once at creation time and carried with the task,
// never re-inspected on every poll.
type PayloadFormat string

const (
	// FormatStandard is the current provider task API.
	FormatStandard PayloadFormat = "standard"
	// FormatLegacy is the pre-v2 shape still used by some models.
	FormatLegacy PayloadFormat = "legacy"
)

// Provider task states as reported by the status endpoint.
const (
	TaskStateWaiting = "waiting"
	TaskStateSuccess = "success"
	TaskStateFail    = "fail"
)

// CreateTaskRequest is what the orchestrator submits to the provider. The
// payload is built and validated upstream; this layer treats it as opaque.
type CreateTaskRequest struct {
	ModelID     string
	Payload     json.RawMessage
	CallbackURL string
	Format      PayloadFormat
}

// TaskStatus is the provider's view of a task, whether observed by polling
// or delivered through the push callback.
type TaskStatus struct {
	State       string
	Result      json.RawMessage
	FailCode    string
	FailMessage string
}

// Terminal reports whether the provider will not change this status anymore.
func (s *TaskStatus) Terminal() bool {
	return s.State == TaskStateSuccess || s.State == TaskStateFail
}

// ProviderService talks to the external generation provider.
type ProviderService interface {
	// CreateTask submits a job and returns the provider task id.
	CreateTask(ctx context.Context, req *CreateTaskRequest) (string, error)
	// TaskStatus fetches the current state of a previously created task.
	TaskStatus(ctx context.Context, providerTaskID string, format PayloadFormat) (*TaskStatus, error)
}
