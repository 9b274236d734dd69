// Package queue delivers ingestion jobs from the scheduler and the control
// API to workers. Delivery is at-least-once: a job stays owned by its
// consumer until it is acked, and becomes visible again after a nack or when
// its lease runs out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Job asks a worker to run one execution of an ingestion spec.
type Job struct {
	IngestionID string `json:"ingestion_id"`
	ExecutionID int64  `json:"execution_id"`
}

// Key is the stable job identity used by backends that de-duplicate.
func (j Job) Key() string {
	return "ingestion-" + strconv.FormatInt(j.ExecutionID, 10)
}

func (j Job) String() string {
	return fmt.Sprintf("ingestion=%s execution=%d", j.IngestionID, j.ExecutionID)
}

// Producer accepts jobs. Enqueue returns a backend-specific job id.
type Producer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

// Queue is a pull-based job queue.
type Queue interface {
	Producer

	// Dequeue blocks until a job is visible or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)

	Close() error
}

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Delivery is a leased job. Exactly one of Ack or Nack should be called.
type Delivery struct {
	Job     Job
	ID      string
	Attempt int

	ack  func(context.Context) error
	nack func(context.Context) error
}

// Ack removes the job for good.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack hands the job back so another consumer can pick it up.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}
