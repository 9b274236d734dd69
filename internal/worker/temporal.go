package worker

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	tworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/nucleus/collector/internal/queue"
)

// activityHeartbeat is how often a running activity reports liveness.
const activityHeartbeat = 30 * time.Second

// IngestionWorkflow runs one job as a single activity. Attempts and backoff
// live inside Worker.Process; the activity retry policy only covers
// outcomes that were not persisted.
func IngestionWorkflow(ctx workflow.Context, job queue.Job) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 12 * time.Hour,
		HeartbeatTimeout:    5 * activityHeartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Minute,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})
	return workflow.ExecuteActivity(ctx, queue.ActivityName, job).Get(ctx, nil)
}

// Activities exposes Worker.Process to Temporal.
type Activities struct {
	Worker *Worker
}

// ProcessIngestion runs the job and heartbeats while it does.
func (a *Activities) ProcessIngestion(ctx context.Context, job queue.Job) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(activityHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, job.ExecutionID)
			}
		}
	}()

	err := a.Worker.Process(ctx, job)
	if errors.Is(err, ErrBusy) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "busy", err)
	}
	return err
}

// Register adds the workflow and activity to a Temporal worker under their
// queue names.
func Register(r tworker.Registry, w *Worker) {
	r.RegisterWorkflowWithOptions(IngestionWorkflow, workflow.RegisterOptions{Name: queue.WorkflowName})
	r.RegisterActivityWithOptions((&Activities{Worker: w}).ProcessIngestion, activity.RegisterOptions{Name: queue.ActivityName})
}

// RunTemporal polls taskQueue until ctx is done.
func RunTemporal(ctx context.Context, c client.Client, taskQueue string, w *Worker, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	tw := tworker.New(c, taskQueue, tworker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	Register(tw, w)

	interrupt := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()
	w.log().WithField("task_queue", taskQueue).Info("temporal worker started")
	return tw.Run(interrupt)
}
