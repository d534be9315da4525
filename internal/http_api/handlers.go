package http_api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/artifex-bot/artifex/internal/models"
)

// CallbackRequest is the provider's push notification for a task. It carries
// the same status shape the polling endpoint reports.
type CallbackRequest struct {
	TaskID      string          `json:"taskId" binding:"required"`
	State       string          `json:"state" binding:"required,oneof=waiting success fail"`
	ResultData  json.RawMessage `json:"resultData"`
	FailCode    string          `json:"failCode"`
	FailMessage string          `json:"failMessage"`
}

// providerCallback is a handler for the provider push callback. Whether this
// or the poll loop observes the terminal state first, the result reaches the
// user exactly once; the reply guard inside the app decides.
func (s *HTTPServer) providerCallback(c *gin.Context) {
	var req CallbackRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Debug("Invalid callback body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}

	status := &models.TaskStatus{
		State:       req.State,
		Result:      req.ResultData,
		FailCode:    req.FailCode,
		FailMessage: req.FailMessage,
	}
	if err := s.app.ResolveCallback(c.Request.Context(), req.TaskID, status); err != nil {
		s.logger.Error("Failed to resolve provider callback", "task", req.TaskID, "error", err)
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Unknown task",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// health is a liveness probe.
func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
