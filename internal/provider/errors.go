package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %d: %s", e.Status, e.Message)
}

// Retryable reports whether the call may be repeated: rate limits and server
// faults yes, validation failures no.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsRetryable classifies any error from the provider boundary. Network
// faults count as transient; context cancellation and circuit rejections do
// not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfterHint extracts an explicit server-provided wait from an error.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
