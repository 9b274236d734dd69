// Package worker executes queued ingestion jobs: it owns the execution status
// transitions, retries failed attempts and persists the captured run log.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/config"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/ingestion"
	"github.com/nucleus/collector/internal/logarchive"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/metrics"
	"github.com/nucleus/collector/internal/queue"
)

const (
	DefaultStaleAfter = 30 * time.Minute
	DefaultHeartbeat  = 15 * time.Second
	// DefaultCancelPoll bounds how stale the cancellation flag seen by the
	// engine's checkpoints may be.
	DefaultCancelPoll = time.Second

	// flushTimeout bounds the final log write once the job context is gone.
	flushTimeout = 30 * time.Second
)

// ErrBusy is returned when another worker still owns the execution. The
// delivery should be left to its lease rather than acked.
var ErrBusy = errors.New("execution is owned by another worker")

// Worker processes one job at a time; a Pool runs several concurrently.
type Worker struct {
	Catalog catalog.Catalog
	Store   execution.Store
	Engine  *ingestion.Engine
	Archive logarchive.Archive
	Metrics *metrics.Metrics
	Log     *logger.Logger

	// Backoff is the pause between attempts. NewWorker never goes below
	// config.MinRetryBackoff; tests set the field directly.
	Backoff    time.Duration
	StaleAfter time.Duration
	Heartbeat  time.Duration
	// CancelPoll is the minimum gap between status reads at engine
	// checkpoints. Zero reads the status at every checkpoint.
	CancelPoll time.Duration
	Now        func() time.Time
}

// NewWorker wires a worker from configuration.
func NewWorker(cat catalog.Catalog, store execution.Store, engine *ingestion.Engine, cfg config.WorkerConfig) *Worker {
	backoff := cfg.RetryBackoff
	if backoff < config.MinRetryBackoff {
		backoff = config.MinRetryBackoff
	}
	w := &Worker{
		Catalog:    cat,
		Store:      store,
		Engine:     engine,
		Log:        logger.GetDefault().WithField("component", "worker"),
		Backoff:    backoff,
		StaleAfter: cfg.StaleAfter,
		Heartbeat:  cfg.Heartbeat,
		CancelPoll: DefaultCancelPoll,
		Now:        time.Now,
	}
	if w.StaleAfter <= 0 {
		w.StaleAfter = DefaultStaleAfter
	}
	if w.Heartbeat <= 0 {
		w.Heartbeat = DefaultHeartbeat
	}
	return w
}

// Process runs the execution named by job to a terminal status. A nil
// return means the job is finished and may be acked; ErrBusy means another
// worker owns it; any other error means the outcome was not persisted and
// the job should be redelivered.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	base := w.log().WithFields(logger.Fields{
		"execution_id": job.ExecutionID,
		"ingestion_id": job.IngestionID,
	})

	e, err := w.Store.Get(ctx, job.ExecutionID)
	if errors.Is(err, execution.ErrNotFound) {
		base.Warn("dropping job for unknown execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	switch {
	case e.Status.Terminal():
		base.WithField("status", e.Status).Info("execution already finished")
		return nil
	case e.Status == execution.StatusRunning && !e.Stale(w.now(), w.StaleAfter):
		base.Info("execution is running elsewhere")
		return ErrBusy
	case e.Status == execution.StatusRunning:
		base.WithField("reason", execution.ReasonRestarted).Warn("restarting stale execution")
		if _, err := w.Store.Touch(ctx, e.ID); err != nil {
			return fmt.Errorf("claim stale execution: %w", err)
		}
	default:
		if err := w.Store.UpdateStatus(ctx, e.ID, execution.StatusRunning, ""); err != nil {
			if errors.Is(err, execution.ErrInvalidTransition) {
				// cancelled between Get and here
				return nil
			}
			return fmt.Errorf("start execution: %w", err)
		}
	}

	w.Metrics.WorkerBusy(1)
	defer w.Metrics.WorkerBusy(-1)

	log, capture := logger.NewCapture(base)
	started := w.now()
	r := &runner{worker: w, job: job, log: log, stopped: make(chan struct{}), started: time.Now()}
	r.lastPoll.Store(-int64(w.CancelPoll))
	status, reason, errMsg := r.run(ctx)

	if ctx.Err() != nil && !r.cancelled.Load() {
		// shutting down: keep RUNNING so the job is restarted once stale
		log.Warn("worker stopped before the execution finished")
		status = execution.StatusRunning
	}

	if err := w.finish(ctx, e.ID, capture, status, reason, errMsg); err != nil {
		base.WithError(err).Error("failed to persist execution outcome")
		return err
	}
	if status == execution.StatusRunning {
		return ctx.Err()
	}

	w.Metrics.RecordExecution(string(r.providerType), string(status), w.now().Sub(started))
	w.archive(e.ID, job, capture, base)
	base.WithFields(logger.Fields{"status": status, "reason": reason}).Info("execution finished")
	return nil
}

// finish writes the captured log and the final status in one store call.
// When the execution was cancelled from outside while the run completed,
// the log is appended under the status it already has.
func (w *Worker) finish(ctx context.Context, id int64, capture *logger.Capture, status execution.Status, reason, errMsg string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	if status == execution.StatusCancelled && reason != "" {
		err := w.Store.UpdateStatus(ctx, id, status, reason)
		if err != nil && !errors.Is(err, execution.ErrInvalidTransition) {
			return err
		}
	}

	entries := toEntries(capture.Entries())
	err := w.Store.SaveLogs(ctx, id, capture.Blob(), entries, status, errMsg)
	if !errors.Is(err, execution.ErrInvalidTransition) {
		return err
	}
	current, gerr := w.Store.Get(ctx, id)
	if gerr != nil {
		return gerr
	}
	return w.Store.SaveLogs(ctx, id, capture.Blob(), entries, current.Status, "")
}

func (w *Worker) archive(id int64, job queue.Job, capture *logger.Capture, log *logger.Logger) {
	if w.Archive == nil {
		return
	}
	blob := capture.Blob()
	if blob == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	uri, err := w.Archive.Put(ctx, logarchive.Key(job.IngestionID, id, w.now()), []byte(blob))
	if err != nil {
		log.WithError(err).Warn("failed to archive execution log")
		return
	}
	log.WithField("uri", uri).Debug("execution log archived")
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) log() *logger.Logger {
	if w.Log != nil {
		return w.Log
	}
	return logger.GetDefault()
}

func toEntries(in []logger.Entry) []execution.LogEntry {
	out := make([]execution.LogEntry, len(in))
	for i, e := range in {
		out[i] = execution.LogEntry{Time: e.Time, Level: e.Level, Message: e.Message}
	}
	return out
}

// =============================================================================
// RUN
// =============================================================================

// runner holds the state of one execution while it is processed.
type runner struct {
	worker       *Worker
	job          queue.Job
	log          *logger.Logger
	providerType core.ProviderType

	cancelled atomic.Bool
	stopped   chan struct{}
	// lastPoll is the monotonic time of the last status read, in ns since
	// the runner started.
	started  time.Time
	lastPoll atomic.Int64
}

// run resolves the ingestion and executes it with retries. It returns the
// terminal status, the cancellation reason and the error message to store.
func (r *runner) run(ctx context.Context) (execution.Status, string, string) {
	w := r.worker
	ctx = logger.WithContext(ctx, r.log)

	spec, provider, conn, err := r.resolve(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to resolve ingestion")
		return execution.StatusError, "", err.Error()
	}
	r.providerType = provider.Type

	stop := r.heartbeat(ctx)
	defer stop()

	engine := *w.Engine
	engine.Cancel = r.checkCancel

	attempts := spec.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := r.checkCancel(ctx); err != nil {
			lastErr = err
			break
		}
		alog := r.log.WithField("attempt", attempt)
		alog.WithField("max_attempts", attempts).Info("attempt started")

		report, err := engine.Execute(ctx, provider, conn, *spec)
		w.Metrics.RecordAttempt(err == nil)
		if err == nil {
			r.recordReport(report)
			return execution.StatusSuccess, "", ""
		}
		lastErr = err
		if core.IsCancelled(err) {
			break
		}
		alog.WithError(err).Error("attempt failed")
		if !retriable(err) || attempt == attempts {
			break
		}
		if err := r.sleep(ctx, w.Backoff); err != nil {
			lastErr = err
			break
		}
	}

	if core.IsCancelled(lastErr) {
		reason := core.CancelReason(lastErr)
		if reason == "" {
			reason = execution.ReasonUserCancelled
		}
		r.log.WithField("reason", reason).Warn("execution cancelled")
		return execution.StatusCancelled, reason, ""
	}
	r.log.WithError(lastErr).Error("execution failed")
	return execution.StatusError, "", lastErr.Error()
}

// resolve loads the ingestion spec, its provider and the first connection.
func (r *runner) resolve(ctx context.Context) (*core.IngestionSpec, *core.Provider, core.Connection, error) {
	cat := r.worker.Catalog
	spec, err := cat.GetIngestion(ctx, r.job.IngestionID)
	if err != nil {
		return nil, nil, core.Connection{}, fmt.Errorf("get ingestion: %w", err)
	}
	provider, err := cat.GetProvider(ctx, spec.ProviderID)
	if err != nil {
		return nil, nil, core.Connection{}, fmt.Errorf("get provider: %w", err)
	}
	conns, err := cat.ListConnections(ctx, provider.ID)
	if err != nil {
		return nil, nil, core.Connection{}, fmt.Errorf("list connections: %w", err)
	}
	if len(conns) == 0 {
		return nil, nil, core.Connection{}, core.ConfigError("provider %s has no connection", provider.Name)
	}
	return spec, provider, conns[0], nil
}

// heartbeat refreshes the execution periodically and notices when it was
// cancelled through the control API.
func (r *runner) heartbeat(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := r.worker.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.beat(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *runner) beat(ctx context.Context) {
	status, err := r.worker.Store.Touch(ctx, r.job.ExecutionID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Warn("heartbeat failed")
		}
		return
	}
	r.observe(status)
}

// observe records a CANCELLED status read by the heartbeat or a checkpoint.
func (r *runner) observe(status execution.Status) {
	if status == execution.StatusCancelled && !r.cancelled.Swap(true) {
		r.log.Warn("cancellation requested")
		close(r.stopped)
	}
}

// checkCancel is the engine's cancellation checkpoint. Between heartbeats
// it reads the execution status at most once per CancelPoll.
func (r *runner) checkCancel(ctx context.Context) error {
	if r.cancelled.Load() || ctx.Err() != nil {
		return core.Cancelled(execution.ReasonUserCancelled)
	}
	now := int64(time.Since(r.started))
	last := r.lastPoll.Load()
	if now-last < int64(r.worker.CancelPoll) || !r.lastPoll.CompareAndSwap(last, now) {
		return nil
	}
	e, err := r.worker.Store.Get(ctx, r.job.ExecutionID)
	if err != nil {
		// the heartbeat reports store trouble
		return nil
	}
	r.observe(e.Status)
	if r.cancelled.Load() {
		return core.Cancelled(execution.ReasonUserCancelled)
	}
	return nil
}

// sleep waits for d unless the execution is cancelled first.
func (r *runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return r.checkCancel(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-r.stopped:
	case <-timer.C:
	}
	return r.checkCancel(ctx)
}

func (r *runner) recordReport(report *ingestion.Report) {
	m := r.worker.Metrics
	for kind, c := range report.Counts {
		k := string(kind)
		m.RecordAssets(k, "created", c.Created)
		m.RecordAssets(k, "updated", c.Updated)
		m.RecordAssets(k, "unchanged", c.Unchanged)
		m.RecordAssets(k, "tombstoned", c.Tombstoned)
	}
}

// retriable reports whether another attempt may help. Configuration errors
// and catalog rejections (4xx) fail the execution at once.
func retriable(err error) bool {
	if core.IsConfig(err) || core.IsCancelled(err) {
		return false
	}
	var e *core.Error
	if errors.As(err, &e) && e.Code == core.CodeCatalog && e.Status >= 400 && e.Status < 500 {
		return false
	}
	return true
}
