package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/artifex-bot/artifex/internal/models"
	"github.com/artifex-bot/artifex/pkg/logger"
)

const requestTimeout = 30 * time.Second

// Client talks to the generation provider's task API over HTTP. The payload
// itself is opaque to this layer; only the envelope differs between the
// standard and the legacy format, and which one applies is fixed per task at
// creation time.
type Client struct {
	logger  *logger.Logger
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, logger *logger.Logger) *Client {
	return &Client{
		logger:  logger,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type createResponse struct {
	TaskID string `json:"taskId"`
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

type legacyCreateResponse struct {
	ID        string `json:"id"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_message"`
}

type statusResponse struct {
	State       string          `json:"state"`
	ResultData  json.RawMessage `json:"resultData"`
	FailCode    string          `json:"failCode"`
	FailMessage string          `json:"failMessage"`
}

type legacyStatusResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"error_code"`
	ErrorMsg  string          `json:"error_message"`
}

// CreateTask submits a job and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, req *models.CreateTaskRequest) (string, error) {
	var (
		path string
		body any
	)
	switch req.Format {
	case models.FormatLegacy:
		path = "/api/generate"
		body = map[string]any{
			"model_id": req.ModelID,
			"payload":  req.Payload,
			"callback": req.CallbackURL,
		}
	default:
		path = "/api/v2/tasks"
		body = map[string]any{
			"model":       req.ModelID,
			"input":       req.Payload,
			"callbackUrl": req.CallbackURL,
		}
	}

	raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}

	if req.Format == models.FormatLegacy {
		var resp legacyCreateResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("failed to decode create response: %w", err)
		}
		if resp.ID == "" {
			return "", &APIError{Status: http.StatusOK, Code: resp.ErrorCode, Message: resp.ErrorMsg}
		}
		return resp.ID, nil
	}

	var resp createResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if resp.TaskID == "" {
		return "", &APIError{Status: http.StatusOK, Code: resp.Code, Message: resp.Msg}
	}
	return resp.TaskID, nil
}

// TaskStatus fetches the current state of a task.
func (c *Client) TaskStatus(ctx context.Context, providerTaskID string, format models.PayloadFormat) (*models.TaskStatus, error) {
	var path string
	if format == models.FormatLegacy {
		path = "/api/generate/" + providerTaskID
	} else {
		path = "/api/v2/tasks/" + providerTaskID
	}

	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	if format == models.FormatLegacy {
		var resp legacyStatusResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode status response: %w", err)
		}
		state := resp.Status
		if state == "pending" || state == "running" {
			state = models.TaskStateWaiting
		}
		if state == "error" {
			state = models.TaskStateFail
		}
		return &models.TaskStatus{
			State:       state,
			Result:      resp.Data,
			FailCode:    resp.ErrorCode,
			FailMessage: resp.ErrorMsg,
		}, nil
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &models.TaskStatus{
		State:       resp.State,
		Result:      resp.ResultData,
		FailCode:    resp.FailCode,
		FailMessage: resp.FailMessage,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code string `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Msg
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		c.logger.Debug("Provider returned an error ", "method ", method, " path ", path, " status ", resp.StatusCode)
		return nil, apiErr
	}

	return raw, nil
}
