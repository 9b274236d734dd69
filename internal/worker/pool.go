package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/queue"
)

// DefaultConcurrency is the number of jobs a pool runs at once.
const DefaultConcurrency = 4

// dequeueRetry is the pause after a failed dequeue.
const dequeueRetry = 5 * time.Second

// Pool runs Concurrency workers against a queue. Each worker handles one
// job at a time, so a single ingestion is always sequential.
type Pool struct {
	Worker      *Worker
	Queue       queue.Queue
	Concurrency int
}

// NewPool creates a pool with DefaultConcurrency when concurrency <= 0.
func NewPool(w *Worker, q queue.Queue, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pool{Worker: w, Queue: q, Concurrency: concurrency}
}

// Run consumes jobs until ctx is done or the queue is closed, then waits for
// in-flight jobs to return.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	log := p.Worker.log()
	log.WithField("concurrency", n).Info("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, log.WithField("slot", slot))
		}(i)
	}
	wg.Wait()

	log.Info("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, log *logger.Logger) {
	for {
		d, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.WithError(err).Error("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetry):
			}
			continue
		}
		p.handle(ctx, log, d)
	}
}

// handle acks a job only after its outcome is stored. A job owned by another
// worker is neither acked nor nacked so its lease runs out first.
func (p *Pool) handle(ctx context.Context, log *logger.Logger, d *queue.Delivery) {
	log = log.WithFields(logger.Fields{"job": d.Job.String(), "delivery": d.ID, "attempt": d.Attempt})

	err := p.Worker.Process(ctx, d.Job)
	// settle even when ctx is done so the job is not lost
	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	switch {
	case err == nil:
		if aerr := d.Ack(settle); aerr != nil {
			log.WithError(aerr).Error("failed to ack job")
		}
	case errors.Is(err, ErrBusy):
		log.Debug("leaving job to its current owner")
	default:
		log.WithError(err).Warn("job will be redelivered")
		if nerr := d.Nack(settle); nerr != nil {
			log.WithError(nerr).Error("failed to nack job")
		}
	}
}
