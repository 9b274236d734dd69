package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/queue"
	"github.com/nucleus/collector/internal/scheduler"
)

func TestDue(t *testing.T) {
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC) // a Monday
	tests := []struct {
		expr string
		now  time.Time
		want bool
	}{
		{"0 0 * * *", day.Add(3 * time.Hour), true},
		{"0 0 * * *", day.Add(23 * time.Hour), true},
		{"0 6 * * *", day.Add(7 * time.Hour), false},
		{"0 0 * * 1", day, true},
		{"0 0 * * 2", day, false},
		{"0 0 1 * *", day, false},
		{"@daily", day.Add(time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%s", tt.expr, tt.now.Format(time.Kitchen)), func(t *testing.T) {
			got, err := scheduler.Due(tt.expr, tt.now)
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			if got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDue_Malformed(t *testing.T) {
	if _, err := scheduler.Due("every day", time.Now()); !core.IsConfig(err) {
		t.Fatalf("err = %v, want CONFIG_ERROR", err)
	}
}

type fixture struct {
	catalog *catalog.Memory
	store   *execution.MemoryStore
	queue   *queue.Memory
	sched   *scheduler.Scheduler
	out     *bytes.Buffer
	now     time.Time
}

func newFixture() *fixture {
	f := &fixture{
		catalog: catalog.NewMemory(),
		store:   execution.NewMemoryStore(),
		queue:   queue.NewMemory(),
		out:     &bytes.Buffer{},
		now:     time.Date(2024, 5, 6, 1, 0, 0, 0, time.UTC),
	}
	f.sched = scheduler.New(f.catalog, f.store, f.queue)
	f.sched.Log = logger.New(&logger.Config{Level: "info", Format: "text", Output: f.out})
	f.sched.Now = func() time.Time { return f.now }
	return f
}

func TestTick_ScheduledOncePerDay(t *testing.T) {
	f := newFixture()
	f.catalog.AddIngestion(core.IngestionSpec{ID: "ing-1", SchedulingType: core.SchedulingCron, Cron: "0 0 * * *"})
	ctx := context.Background()

	first, err := f.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if first.Enqueued != 1 {
		t.Fatalf("first tick = %+v, want one enqueue", first)
	}

	f.now = f.now.Add(time.Hour)
	second, err := f.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if second.Enqueued != 0 || second.Duplicate != 1 {
		t.Errorf("second tick = %+v, want one duplicate", second)
	}
	if f.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", f.queue.Len())
	}
	if !strings.Contains(f.out.String(), "already scheduled") {
		t.Errorf("log missing duplicate notice:\n%s", f.out.String())
	}

	d, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	e, err := f.store.Get(ctx, d.Job.ExecutionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != execution.StatusPreparing || e.TriggerMode != execution.TriggerScheduled {
		t.Errorf("execution = %+v", e)
	}
	if e.JobID == "" {
		t.Error("job id should be recorded")
	}
}

func TestTick_NextDayRunsAgain(t *testing.T) {
	f := newFixture()
	f.catalog.AddIngestion(core.IngestionSpec{ID: "ing-1", SchedulingType: core.SchedulingCron, Cron: "0 0 * * *"})
	ctx := context.Background()

	f.sched.Tick(ctx)
	f.now = f.now.Add(24 * time.Hour)
	res, _ := f.sched.Tick(ctx)
	if res.Enqueued != 1 {
		t.Errorf("tick on the next day = %+v", res)
	}
}

func TestTick_SkipsInvalidAndNotDue(t *testing.T) {
	f := newFixture()
	f.catalog.AddIngestion(core.IngestionSpec{ID: "bad", SchedulingType: core.SchedulingCron, Cron: "nope"})
	f.catalog.AddIngestion(core.IngestionSpec{ID: "later", SchedulingType: core.SchedulingCron, Cron: "0 6 * * *"})
	f.catalog.AddIngestion(core.IngestionSpec{ID: "manual", SchedulingType: core.SchedulingManual})

	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Specs != 2 || res.Invalid != 1 || res.Due != 0 {
		t.Errorf("tick = %+v", res)
	}
}

func TestTick_Paginates(t *testing.T) {
	f := newFixture()
	for i := 0; i < catalog.MaxPageSize+5; i++ {
		f.catalog.AddIngestion(core.IngestionSpec{ID: fmt.Sprintf("ing-%03d", i), SchedulingType: core.SchedulingCron, Cron: "0 0 * * *"})
	}
	res, err := f.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Enqueued != catalog.MaxPageSize+5 {
		t.Errorf("enqueued = %d", res.Enqueued)
	}
}

func TestTick_CancelledRunDoesNotBlock(t *testing.T) {
	f := newFixture()
	f.catalog.AddIngestion(core.IngestionSpec{ID: "ing-1", SchedulingType: core.SchedulingCron, Cron: "0 0 * * *"})
	ctx := context.Background()

	f.sched.Tick(ctx)
	d, _ := f.queue.Dequeue(ctx)
	d.Ack(ctx)
	if err := f.store.UpdateStatus(ctx, d.Job.ExecutionID, execution.StatusCancelled, execution.ReasonUserCancelled); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	res, _ := f.sched.Tick(ctx)
	if res.Enqueued != 1 {
		t.Errorf("tick after cancellation = %+v, want a fresh enqueue", res)
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.Job) (string, error) {
	return "", errors.New("broker down")
}

func TestTrigger_EnqueueFailureCancelsExecution(t *testing.T) {
	f := newFixture()
	f.catalog.AddIngestion(core.IngestionSpec{ID: "ing-1"})
	f.sched.Queue = failingQueue{}

	if _, err := f.sched.Trigger(context.Background(), "ing-1", execution.TriggerAPI, "alice"); err == nil {
		t.Fatal("Trigger should fail when the queue is down")
	}
	e, err := f.store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != execution.StatusCancelled || e.Reason != execution.ReasonEnqueueFailed {
		t.Errorf("execution = %s (%s)", e.Status, e.Reason)
	}
}

func TestTrigger(t *testing.T) {
	f := newFixture()
	f.catalog.AddIngestion(core.IngestionSpec{ID: "ing-1"})
	ctx := context.Background()

	e, err := f.sched.Trigger(ctx, "ing-1", execution.TriggerManual, "cli")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if e.TriggerMode != execution.TriggerManual || e.TriggeredBy != "cli" {
		t.Errorf("execution = %+v", e)
	}
	// manual runs are not limited to one per day
	if _, err := f.sched.Trigger(ctx, "ing-1", execution.TriggerManual, "cli"); err != nil {
		t.Errorf("second Trigger: %v", err)
	}

	if _, err := f.sched.Trigger(ctx, "missing", execution.TriggerAPI, ""); !core.IsNotFound(err) {
		t.Errorf("unknown ingestion err = %v, want NOT_FOUND", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
