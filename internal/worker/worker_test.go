package worker_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/config"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/endpoint/endpointtest"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/ingestion"
	"github.com/nucleus/collector/internal/logarchive"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/metrics"
	"github.com/nucleus/collector/internal/queue"
	"github.com/nucleus/collector/internal/worker"
)

const providerID = "0b9d6f3e-1c2a-4e5f-8a7b-6c5d4e3f2a1b"

type fixture struct {
	fake    *endpointtest.Fake
	catalog *catalog.Memory
	store   *execution.MemoryStore
	archive *logarchive.Memory
	metrics *metrics.Metrics
	worker  *worker.Worker
}

func newFixture(t *testing.T, spec core.IngestionSpec) *fixture {
	t.Helper()
	fake := endpointtest.New()
	fake.AddDatabase("app", "public")
	fake.SetTables("app", "public", endpointtest.Table("orders", "id", "total"))

	cat := catalog.NewMemory()
	cat.AddProvider(core.Provider{
		ID:          providerID,
		Name:        "Orders PG",
		Type:        core.ProviderPostgres,
		Connections: []core.Connection{{Host: "db", Port: 5432}},
	})
	spec.ID = "ing-1"
	spec.ProviderID = providerID
	cat.AddIngestion(spec)

	store := execution.NewMemoryStore()
	engine := ingestion.NewEngine(cat, store)
	engine.Registry = endpointtest.Registry(core.ProviderPostgres, fake)

	f := &fixture{
		fake:    fake,
		catalog: cat,
		store:   store,
		archive: logarchive.NewMemory(),
		metrics: metrics.New(),
	}
	f.worker = &worker.Worker{
		Catalog:    cat,
		Store:      store,
		Engine:     engine,
		Archive:    f.archive,
		Metrics:    f.metrics,
		Log:        logger.Discard(),
		Backoff:    time.Millisecond,
		StaleAfter: time.Minute,
		Heartbeat:  5 * time.Millisecond,
		Now:        time.Now,
	}
	return f
}

func (f *fixture) enqueue(t *testing.T, ingestionID string) queue.Job {
	t.Helper()
	e, err := f.store.CreateExecution(context.Background(), ingestionID, execution.TriggerManual, "test", time.Now())
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return queue.Job{IngestionID: ingestionID, ExecutionID: e.ID}
}

func (f *fixture) execution(t *testing.T, id int64) *execution.Execution {
	t.Helper()
	e, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return e
}

func (f *fixture) blob(t *testing.T, id int64) string {
	t.Helper()
	l, err := f.store.Logs(context.Background(), id)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	return l.Blob
}

// =============================================================================
// PROCESS
// =============================================================================

func TestProcess_Success(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{IncludeTable: ".*"})
	job := f.enqueue(t, "ing-1")

	if err := f.worker.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	e := f.execution(t, job.ExecutionID)
	if e.Status != execution.StatusSuccess || e.Finished == nil {
		t.Errorf("execution = %s, finished %v", e.Status, e.Finished)
	}
	blob := f.blob(t, job.ExecutionID)
	if !strings.Contains(blob, "ingestion started") {
		t.Errorf("log blob missing run output:\n%s", blob)
	}
	if len(f.catalog.All(core.KindTable)) != 1 {
		t.Errorf("tables in catalog = %d, want 1", len(f.catalog.All(core.KindTable)))
	}
	if f.archive.Len() != 1 {
		t.Errorf("archived logs = %d, want 1", f.archive.Len())
	}
	if got := testutil.ToFloat64(f.metrics.ExecutionsTotal.WithLabelValues("SUCCESS")); got != 1 {
		t.Errorf("SUCCESS executions = %v", got)
	}
}

func TestProcess_RetriesThenFails(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{Retries: 2})
	f.fake.FailWith(core.ConnectionError(errors.New("connection refused")))
	job := f.enqueue(t, "ing-1")

	if err := f.worker.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	e := f.execution(t, job.ExecutionID)
	if e.Status != execution.StatusError {
		t.Errorf("status = %s, want ERROR", e.Status)
	}
	if !strings.Contains(e.ErrorMessage, "connection refused") {
		t.Errorf("error message = %q", e.ErrorMessage)
	}
	blob := f.blob(t, job.ExecutionID)
	if n := strings.Count(blob, "attempt failed"); n != 3 {
		t.Errorf("attempt failed lines = %d, want 3:\n%s", n, blob)
	}
	if got := testutil.ToFloat64(f.metrics.AttemptsTotal.WithLabelValues("failed")); got != 3 {
		t.Errorf("failed attempts = %v, want 3", got)
	}
}

func TestProcess_ConfigErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{Retries: 3, ExcludeTable: "tmp_("})
	job := f.enqueue(t, "ing-1")

	if err := f.worker.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e := f.execution(t, job.ExecutionID); e.Status != execution.StatusError {
		t.Errorf("status = %s, want ERROR", e.Status)
	}
	if n := strings.Count(f.blob(t, job.ExecutionID), "attempt failed"); n != 1 {
		t.Errorf("attempt failed lines = %d, want 1", n)
	}
}

func TestProcess_UnknownIngestionFails(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	job := f.enqueue(t, "missing")

	if err := f.worker.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e := f.execution(t, job.ExecutionID); e.Status != execution.StatusError {
		t.Errorf("status = %s, want ERROR", e.Status)
	}
}

func TestProcess_TerminalExecutionIsSkipped(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	job := f.enqueue(t, "ing-1")
	ctx := context.Background()
	if err := f.store.UpdateStatus(ctx, job.ExecutionID, execution.StatusCancelled, execution.ReasonUserCancelled); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := f.worker.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.fake.Calls() != 0 {
		t.Errorf("connector calls = %d, want 0", f.fake.Calls())
	}
}

func TestProcess_RunningElsewhereIsBusy(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	job := f.enqueue(t, "ing-1")
	ctx := context.Background()
	if err := f.store.UpdateStatus(ctx, job.ExecutionID, execution.StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := f.worker.Process(ctx, job); !errors.Is(err, worker.ErrBusy) {
		t.Fatalf("Process = %v, want ErrBusy", err)
	}
}

func TestProcess_RestartsStaleExecution(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	job := f.enqueue(t, "ing-1")
	ctx := context.Background()
	if err := f.store.UpdateStatus(ctx, job.ExecutionID, execution.StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	f.worker.Now = func() time.Time { return time.Now().Add(time.Hour) }

	if err := f.worker.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e := f.execution(t, job.ExecutionID); e.Status != execution.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", e.Status)
	}
}

func TestProcess_ConcurrentRunIsCancelled(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{Retries: 2})
	job := f.enqueue(t, "ing-1")
	ctx := context.Background()

	unlock, ok, err := f.store.TryLock(ctx, "provider:"+providerID)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer unlock()

	if err := f.worker.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	e := f.execution(t, job.ExecutionID)
	if e.Status != execution.StatusCancelled || e.Reason != execution.ReasonConcurrentRun {
		t.Errorf("execution = %s (%s), want CANCELLED (concurrent_run)", e.Status, e.Reason)
	}
}

func TestProcess_CancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{Retries: 5})
	f.worker.Backoff = time.Hour
	f.fake.FailWith(core.ConnectionError(errors.New("connection refused")))
	job := f.enqueue(t, "ing-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.worker.Process(ctx, job) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.fake.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never ran")
		}
		time.Sleep(time.Millisecond)
	}
	if err := f.store.UpdateStatus(ctx, job.ExecutionID, execution.StatusCancelled, execution.ReasonUserCancelled); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not notice the cancellation")
	}
	e := f.execution(t, job.ExecutionID)
	if e.Status != execution.StatusCancelled || e.Reason != execution.ReasonUserCancelled {
		t.Errorf("execution = %s (%s)", e.Status, e.Reason)
	}
	if blob := f.blob(t, job.ExecutionID); !strings.Contains(blob, "cancellation requested") {
		t.Errorf("log blob missing cancellation:\n%s", blob)
	}
}

func TestProcess_CheckpointSeesCancellationBetweenHeartbeats(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{IncludeTable: ".*"})
	f.fake.SetTables("app", "public",
		endpointtest.Table("orders", "id", "total"),
		endpointtest.Table("users", "id", "email"),
	)
	f.worker.Heartbeat = time.Hour
	job := f.enqueue(t, "ing-1")

	// cancel through the store as soon as the first asset is written
	var once sync.Once
	f.catalog.Fail = func(op, _ string) error {
		if op == "Create" {
			once.Do(func() {
				_ = f.store.UpdateStatus(context.Background(), job.ExecutionID, execution.StatusCancelled, execution.ReasonUserCancelled)
			})
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- f.worker.Process(context.Background(), job) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not notice the cancellation")
	}

	e := f.execution(t, job.ExecutionID)
	if e.Status != execution.StatusCancelled || e.Reason != execution.ReasonUserCancelled {
		t.Errorf("execution = %s (%s)", e.Status, e.Reason)
	}
	if tables := f.catalog.All(core.KindTable); len(tables) != 0 {
		t.Errorf("tables = %d, want none written after cancellation", len(tables))
	}
}

func TestNewWorker_PollsCancellation(t *testing.T) {
	w := worker.NewWorker(nil, nil, nil, config.WorkerConfig{})
	if w.CancelPoll != worker.DefaultCancelPoll {
		t.Errorf("CancelPoll = %s, want %s", w.CancelPoll, worker.DefaultCancelPoll)
	}
}

func TestProcess_ShutdownLeavesExecutionRunning(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{Retries: 5})
	f.worker.Backoff = time.Hour
	f.fake.FailWith(core.ConnectionError(errors.New("connection refused")))
	job := f.enqueue(t, "ing-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Process(ctx, job) }()
	for f.fake.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Process = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not stop")
	}
	if e := f.execution(t, job.ExecutionID); e.Status != execution.StatusRunning {
		t.Errorf("status = %s, want RUNNING", e.Status)
	}
}

func TestNewWorker_ClampsBackoff(t *testing.T) {
	w := worker.NewWorker(catalog.NewMemory(), execution.NewMemoryStore(), nil, config.WorkerConfig{RetryBackoff: time.Second})
	if w.Backoff != config.MinRetryBackoff {
		t.Errorf("Backoff = %s, want %s", w.Backoff, config.MinRetryBackoff)
	}
	if w.StaleAfter != worker.DefaultStaleAfter || w.Heartbeat != worker.DefaultHeartbeat {
		t.Errorf("defaults = %s, %s", w.StaleAfter, w.Heartbeat)
	}
}

// =============================================================================
// POOL
// =============================================================================

func TestPool_DrainsQueue(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	var out bytes.Buffer
	f.worker.Log = logger.New(&logger.Config{Level: "info", Format: "text", Output: &out})

	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jobs []queue.Job
	for i := 0; i < 3; i++ {
		job := f.enqueue(t, "ing-1")
		if _, err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		jobs = append(jobs, job)
	}

	// one slot keeps runs of the same provider sequential
	pool := worker.NewPool(f.worker, q, 1)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for _, job := range jobs {
		for !f.execution(t, job.ExecutionID).Status.Terminal() {
			if time.Now().After(deadline) {
				t.Fatalf("execution %d did not finish", job.ExecutionID)
			}
			time.Sleep(5 * time.Millisecond)
		}
		if e := f.execution(t, job.ExecutionID); e.Status != execution.StatusSuccess {
			t.Errorf("execution %d = %s", e.ID, e.Status)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
	if !strings.Contains(out.String(), "worker pool stopped") {
		t.Errorf("pool log:\n%s", out.String())
	}
}

func TestPool_StopsWhenQueueCloses(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	q := queue.NewMemory()
	pool := worker.NewPool(f.worker, q, 0)
	if pool.Concurrency != worker.DefaultConcurrency {
		t.Errorf("Concurrency = %d", pool.Concurrency)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background()) }()
	q.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after Close")
	}
}

// =============================================================================
// TEMPORAL
// =============================================================================

func TestIngestionWorkflow(t *testing.T) {
	f := newFixture(t, core.IngestionSpec{})
	job := f.enqueue(t, "ing-1")

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(worker.IngestionWorkflow, workflow.RegisterOptions{Name: queue.WorkflowName})
	acts := &worker.Activities{Worker: f.worker}
	env.RegisterActivityWithOptions(acts.ProcessIngestion, activity.RegisterOptions{Name: queue.ActivityName})

	env.ExecuteWorkflow(queue.WorkflowName, job)

	if !env.IsWorkflowCompleted() {
		t.Fatal("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if e := f.execution(t, job.ExecutionID); e.Status != execution.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", e.Status)
	}
}
