package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
)

type handler struct {
	trigger Trigger
	store   execution.Store
}

type triggerRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// triggerExecution handles POST /api/v1/ingestions/:id/executions.
func (h *handler) triggerExecution(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	e, err := h.trigger.Trigger(c.Request.Context(), c.Param("id"), execution.TriggerAPI, req.TriggeredBy)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, e)
}

// getExecution handles GET /api/v1/executions/:id.
func (h *handler) getExecution(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	e, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// getLogs handles GET /api/v1/executions/:id/logs. format=text returns the
// raw blob.
func (h *handler) getLogs(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	l, err := h.store.Logs(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, "%s", l.Blob)
		return
	}
	c.JSON(http.StatusOK, l)
}

// cancelExecution handles POST /api/v1/executions/:id/cancel. A running
// worker notices the new status on its next heartbeat.
func (h *handler) cancelExecution(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.store.UpdateStatus(ctx, id, execution.StatusCancelled, execution.ReasonUserCancelled); err != nil {
		h.fail(c, err)
		return
	}
	logger.FromContext(ctx).WithField("execution_id", id).Info("execution cancelled")

	e, err := h.store.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func executionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution id"})
		return 0, false
	}
	return id, true
}

// fail maps err to an HTTP status and writes it.
func (h *handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, execution.ErrNotFound), core.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, execution.ErrInvalidTransition):
		status = http.StatusConflict
	case core.IsConfig(err):
		status = http.StatusBadRequest
	case core.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": core.CodeOf(err)})
}
