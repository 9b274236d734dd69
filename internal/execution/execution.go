// Package execution records ingestion runs and their logs. An execution
// moves through PREPARING → RUNNING → {SUCCESS | ERROR | CANCELLED}; a
// terminal row is never updated again.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPreparing Status = "PREPARING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// transitions lists the allowed moves. PREPARING → CANCELLED lets a queued
// run be cancelled before any worker picks it up.
var transitions = map[Status][]Status{
	StatusPreparing: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSuccess, StatusError, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the status DAG.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TriggerMode records what started an execution.
type TriggerMode string

const (
	TriggerManual    TriggerMode = "MANUAL"
	TriggerScheduled TriggerMode = "SCHEDULED"
	TriggerAPI       TriggerMode = "API"
)

// Reasons stored alongside a status.
const (
	ReasonConcurrentRun = "concurrent_run"
	ReasonUserCancelled = "cancelled_by_user"
	ReasonRestarted     = "restarted_stale"
	ReasonEnqueueFailed = "enqueue_failed"
)

// Execution is one attempt to run an ingestion spec.
type Execution struct {
	ID           int64       `json:"id"`
	IngestionID  string      `json:"ingestion_id"`
	Status       Status      `json:"status"`
	TriggerMode  TriggerMode `json:"trigger_mode"`
	TriggeredBy  string      `json:"triggered_by,omitempty"`
	JobID        string      `json:"job_id,omitempty"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Reason       string      `json:"reason,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Finished     *time.Time  `json:"finished,omitempty"`
}

// Stale reports whether a RUNNING execution has gone without a heartbeat
// for longer than after.
func (e *Execution) Stale(now time.Time, after time.Duration) bool {
	return e.Status == StatusRunning && now.Sub(e.UpdatedAt) > after
}

// LogEntry is one structured log line; Level is its per-entry status.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Log is the append-only log of an execution.
type Log struct {
	ExecutionID int64      `json:"execution_id"`
	Blob        string     `json:"blob"`
	Entries     []LogEntry `json:"entries"`
}

var (
	// ErrNotFound is returned for an unknown execution ID.
	ErrNotFound = errors.New("execution not found")
	// ErrInvalidTransition is returned when a status change leaves the DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyScheduled is returned when a scheduled execution already
	// exists for the same ingestion and day.
	ErrAlreadyScheduled = errors.New("already scheduled")
)

func transitionError(id int64, from, to Status) error {
	return fmt.Errorf("execution %d: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Unlock releases an advisory lock.
type Unlock func()

// Store persists executions and their logs.
type Store interface {
	// CreateExecution inserts a PREPARING execution. scheduledFor is
	// truncated to its UTC date. A second SCHEDULED execution for the same
	// ingestion and day fails with ErrAlreadyScheduled unless the first was
	// cancelled.
	CreateExecution(ctx context.Context, ingestionID string, mode TriggerMode, triggeredBy string, scheduledFor time.Time) (*Execution, error)

	Get(ctx context.Context, id int64) (*Execution, error)

	// UpdateStatus moves an execution along the DAG and stamps Finished
	// when the new status is terminal.
	UpdateStatus(ctx context.Context, id int64, status Status, reason string) error

	// Touch refreshes UpdatedAt of a live execution and returns its
	// current status, so a heartbeat also observes cancellation.
	Touch(ctx context.Context, id int64) (Status, error)

	SetJobID(ctx context.Context, id int64, jobID string) error

	// AppendLog adds one line to the execution log.
	AppendLog(ctx context.Context, id int64, level, message string) error

	// SaveLogs appends a buffered blob and its entries and sets the status
	// in one transaction. Setting the status an execution already has only
	// appends the log.
	SaveLogs(ctx context.Context, id int64, blob string, entries []LogEntry, status Status, errMsg string) error

	Logs(ctx context.Context, id int64) (*Log, error)

	// FindActive returns the SCHEDULED execution of an ingestion for day
	// that was not cancelled, or nil.
	FindActive(ctx context.Context, ingestionID string, day time.Time) (*Execution, error)

	// TryLock takes a best-effort advisory lock on key without waiting.
	TryLock(ctx context.Context, key string) (Unlock, bool, error)

	Close() error
}
