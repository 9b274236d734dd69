// Package scheduler decides which CRON ingestion specs are due today and
// hands them to the job queue. It is driven by an external timer; ticks are
// serialized so two ticks never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/metrics"
	"github.com/nucleus/collector/internal/queue"
)

// DefaultInterval is the tick period of Run.
const DefaultInterval = time.Hour

// Source is the part of the catalog the scheduler reads.
type Source interface {
	ListIngestions(ctx context.Context, q catalog.IngestionQuery, page int) (catalog.Page[core.IngestionSpec], error)
	GetIngestion(ctx context.Context, id string) (*core.IngestionSpec, error)
}

// Scheduler is owned by the process entry point; there is no global
// instance.
type Scheduler struct {
	Source  Source
	Store   execution.Store
	Queue   queue.Producer
	Metrics *metrics.Metrics
	Log     *logger.Logger
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time

	mu sync.Mutex
}

// New creates a scheduler using the wall clock.
func New(src Source, store execution.Store, q queue.Producer) *Scheduler {
	return &Scheduler{
		Source: src,
		Store:  store,
		Queue:  q,
		Log:    logger.GetDefault().WithField("component", "scheduler"),
		Now:    time.Now,
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Specs     int
	Due       int
	Enqueued  int
	Duplicate int
	Invalid   int
}

// Due reports whether expr fires at today's 00:00 UTC: the next fire time
// after one hour before midnight must be midnight itself.
func Due(expr string, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, core.ConfigError("malformed cron %q: %v", expr, err)
	}
	midnight := execution.Day(now)
	return sched.Next(midnight.Add(-time.Hour)).Equal(midnight), nil
}

// Tick pages through every CRON spec and enqueues the due ones that have no
// scheduled execution for today yet.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res TickResult
	now := s.now()
	log := s.log().WithField("day", execution.Day(now).Format(time.DateOnly))

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := s.Source.ListIngestions(ctx, catalog.IngestionQuery{SchedulingType: core.SchedulingCron}, page)
		if err != nil {
			return res, fmt.Errorf("list cron ingestions: %w", err)
		}
		for _, spec := range p.Items {
			res.Specs++
			if err := s.consider(ctx, log, spec, now, &res); err != nil {
				return res, err
			}
		}
		if p.Last() {
			break
		}
	}

	log.WithFields(logger.Fields{
		"specs":     res.Specs,
		"due":       res.Due,
		"enqueued":  res.Enqueued,
		"duplicate": res.Duplicate,
		"invalid":   res.Invalid,
	}).Info("scheduler tick finished")
	return res, nil
}

func (s *Scheduler) consider(ctx context.Context, log *logger.Logger, spec core.IngestionSpec, now time.Time, res *TickResult) error {
	log = log.WithField("ingestion_id", spec.ID)

	due, err := Due(spec.Cron, now)
	if err != nil {
		res.Invalid++
		s.Metrics.RecordScheduled("invalid")
		log.WithError(err).Error("skipping ingestion with invalid schedule")
		return nil
	}
	if !due {
		return nil
	}
	res.Due++

	active, err := s.Store.FindActive(ctx, spec.ID, now)
	if err != nil {
		return fmt.Errorf("find active execution of %s: %w", spec.ID, err)
	}
	if active != nil {
		res.Duplicate++
		s.Metrics.RecordScheduled("duplicate")
		log.WithField("execution_id", active.ID).Info("already scheduled")
		return nil
	}

	e, err := s.enqueue(ctx, spec.ID, execution.TriggerScheduled, "scheduler", now)
	if errors.Is(err, execution.ErrAlreadyScheduled) {
		// another scheduler instance won the race
		res.Duplicate++
		s.Metrics.RecordScheduled("duplicate")
		log.Info("already scheduled")
		return nil
	}
	if err != nil {
		s.Metrics.RecordScheduled("failed")
		log.WithError(err).Error("failed to schedule ingestion")
		return nil
	}
	res.Enqueued++
	s.Metrics.RecordScheduled("enqueued")
	log.WithField("execution_id", e.ID).Info("ingestion scheduled")
	return nil
}

// Trigger starts an ingestion outside its schedule, for the CLI (MANUAL)
// and the control API (API).
func (s *Scheduler) Trigger(ctx context.Context, ingestionID string, mode execution.TriggerMode, triggeredBy string) (*execution.Execution, error) {
	if mode == execution.TriggerScheduled {
		return nil, core.ConfigError("scheduled executions are created by Tick")
	}
	if _, err := s.Source.GetIngestion(ctx, ingestionID); err != nil {
		return nil, err
	}
	e, err := s.enqueue(ctx, ingestionID, mode, triggeredBy, s.now())
	if err != nil {
		return nil, err
	}
	s.log().WithFields(logger.Fields{
		"ingestion_id": ingestionID,
		"execution_id": e.ID,
		"trigger_mode": mode,
	}).Info("ingestion triggered")
	return e, nil
}

// enqueue creates a PREPARING execution and queues its job. A failed
// enqueue cancels the execution so it does not block the day.
func (s *Scheduler) enqueue(ctx context.Context, ingestionID string, mode execution.TriggerMode, by string, now time.Time) (*execution.Execution, error) {
	e, err := s.Store.CreateExecution(ctx, ingestionID, mode, by, now)
	if err != nil {
		return nil, err
	}
	jobID, err := s.Queue.Enqueue(ctx, queue.Job{IngestionID: ingestionID, ExecutionID: e.ID})
	if err != nil {
		if uerr := s.Store.UpdateStatus(ctx, e.ID, execution.StatusCancelled, execution.ReasonEnqueueFailed); uerr != nil {
			s.log().WithError(uerr).WithField("execution_id", e.ID).Error("failed to cancel unqueued execution")
		}
		return nil, fmt.Errorf("enqueue execution %d: %w", e.ID, err)
	}
	if err := s.Store.SetJobID(ctx, e.ID, jobID); err != nil {
		return nil, err
	}
	e.JobID = jobID
	return e, nil
}

// Run ticks immediately and then every interval until ctx is done. Tick
// errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log().WithError(err).Error("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) log() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.GetDefault()
}
