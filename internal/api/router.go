// Package api serves the collector control API: health, on-demand runs,
// execution status, logs and cancellation.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/metrics"
)

// Trigger starts an ingestion outside its schedule. scheduler.Scheduler
// satisfies it.
type Trigger interface {
	Trigger(ctx context.Context, ingestionID string, mode execution.TriggerMode, triggeredBy string) (*execution.Execution, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Trigger Trigger
	Store   execution.Store
	Metrics *metrics.Metrics
	Log     *logger.Logger
}

// NewRouter configures the gin engine with all routes.
func NewRouter(deps Deps, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := deps.Log
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.WithField("component", "api")))

	h := &handler{trigger: deps.Trigger, store: deps.Store}

	r.GET("/health", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/ingestions/:id/executions", h.triggerExecution)
		v1.GET("/executions/:id", h.getExecution)
		v1.GET("/executions/:id/logs", h.getLogs)
		v1.POST("/executions/:id/cancel", h.cancelExecution)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}
