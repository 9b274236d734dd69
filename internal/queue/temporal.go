package queue

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"

	"github.com/nucleus/collector/internal/logger"
)

const (
	// WorkflowName is the registered name of the ingestion workflow.
	WorkflowName = "IngestionWorkflow"
	// ActivityName is the registered name of the activity running one job.
	ActivityName = "ProcessIngestion"

	DefaultTaskQueue = "metadata-ingestion"
)

// TemporalConfig configures the Temporal producer.
type TemporalConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string
	Logger    *logger.Logger
}

// Temporal starts one workflow per job. Workers consume through a Temporal
// worker instead of Dequeue, so Temporal only implements Producer.
type Temporal struct {
	client    client.Client
	taskQueue string
}

var _ Producer = (*Temporal)(nil)

// DialTemporal connects to the Temporal frontend.
func DialTemporal(cfg TemporalConfig) (*Temporal, error) {
	opts := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	}
	if cfg.Logger != nil {
		opts.Logger = NewTemporalLogger(cfg.Logger)
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return NewTemporal(c, cfg.TaskQueue), nil
}

// NewTemporal wraps an existing client.
func NewTemporal(c client.Client, taskQueue string) *Temporal {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Temporal{client: c, taskQueue: taskQueue}
}

// Client returns the underlying Temporal client.
func (t *Temporal) Client() client.Client { return t.client }

// TaskQueue returns the task queue workflows are started on.
func (t *Temporal) TaskQueue() string { return t.taskQueue }

// WorkflowOptions uses the job key as workflow ID, so enqueueing the same
// execution twice while it runs attaches to the existing workflow.
func (t *Temporal) WorkflowOptions(job Job) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       job.Key(),
		TaskQueue:                t.taskQueue,
		WorkflowExecutionTimeout: 12 * time.Hour,
		WorkflowTaskTimeout:      10 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

func (t *Temporal) Enqueue(ctx context.Context, job Job) (string, error) {
	run, err := t.client.ExecuteWorkflow(ctx, t.WorkflowOptions(job), WorkflowName, job)
	if err != nil {
		return "", fmt.Errorf("start workflow for %s: %w", job, err)
	}
	return run.GetID() + "/" + run.GetRunID(), nil
}

func (t *Temporal) Close() error {
	t.client.Close()
	return nil
}

// =============================================================================
// LOGGING
// =============================================================================

type temporalLogger struct {
	log *logger.Logger
}

// NewTemporalLogger routes SDK logs through the collector logger.
func NewTemporalLogger(l *logger.Logger) tlog.Logger {
	return temporalLogger{log: l.WithField("component", "temporal")}
}

func (t temporalLogger) Debug(msg string, keyvals ...interface{}) {
	t.with(keyvals).Debug(msg)
}

func (t temporalLogger) Info(msg string, keyvals ...interface{}) {
	t.with(keyvals).Info(msg)
}

func (t temporalLogger) Warn(msg string, keyvals ...interface{}) {
	t.with(keyvals).Warn(msg)
}

func (t temporalLogger) Error(msg string, keyvals ...interface{}) {
	t.with(keyvals).Error(msg)
}

func (t temporalLogger) with(keyvals []interface{}) *logger.Logger {
	if len(keyvals) == 0 {
		return t.log
	}
	fields := logger.Fields{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	return t.log.WithFields(fields)
}
