package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultVisibility   = 15 * time.Minute
	DefaultPollInterval = 2 * time.Second
	// MinRetention is the shortest time an unacked job is kept.
	MinRetention = 24 * time.Hour
)

// PostgresConfig tunes the PostgreSQL queue.
type PostgresConfig struct {
	// Visibility is the lease granted to a consumer by Dequeue.
	Visibility   time.Duration
	PollInterval time.Duration
	// Retention bounds how long unacked jobs are kept. Values below
	// MinRetention are raised to it.
	Retention time.Duration
}

// Postgres is a durable queue over the collector_jobs table. Consumers lease
// rows with FOR UPDATE SKIP LOCKED so concurrent workers never share a job.
// Acked rows are deleted.
type Postgres struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	own  bool
}

// OpenPostgres connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string, cfg PostgresConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect queue database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}
	q := NewPostgres(pool, cfg)
	q.own = true
	return q, nil
}

// NewPostgres wraps an existing pool. Close does not close a borrowed pool.
func NewPostgres(pool *pgxpool.Pool, cfg PostgresConfig) *Postgres {
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retention < MinRetention {
		cfg.Retention = MinRetention
	}
	return &Postgres{pool: pool, cfg: cfg}
}

func (q *Postgres) Enqueue(ctx context.Context, job Job) (string, error) {
	var id int64
	err := q.pool.QueryRow(ctx,
		`INSERT INTO collector_jobs (ingestion_id, execution_id) VALUES ($1, $2) RETURNING id`,
		job.IngestionID, job.ExecutionID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job, err)
	}
	return strconv.FormatInt(id, 10), nil
}

const leaseSQL = `
UPDATE collector_jobs
   SET attempts = attempts + 1,
       visible_at = now() + make_interval(secs => $1)
 WHERE id = (
        SELECT id FROM collector_jobs
         WHERE visible_at <= now()
         ORDER BY visible_at, id
         FOR UPDATE SKIP LOCKED
         LIMIT 1)
RETURNING id, ingestion_id, execution_id, attempts`

// Dequeue polls until a job is visible. The returned delivery holds a lease
// of cfg.Visibility; an expired lease makes the job visible again.
func (q *Postgres) Dequeue(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d, err := q.lease(ctx)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Postgres) lease(ctx context.Context) (*Delivery, error) {
	var (
		id  int64
		job Job
		n   int
	)
	err := q.pool.QueryRow(ctx, leaseSQL, q.cfg.Visibility.Seconds()).
		Scan(&id, &job.IngestionID, &job.ExecutionID, &n)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}

	return &Delivery{
		Job:     job,
		ID:      strconv.FormatInt(id, 10),
		Attempt: n,
		ack: func(ctx context.Context) error {
			if _, err := q.pool.Exec(ctx, `DELETE FROM collector_jobs WHERE id = $1`, id); err != nil {
				return fmt.Errorf("ack job %d: %w", id, err)
			}
			return nil
		},
		nack: func(ctx context.Context) error {
			if _, err := q.pool.Exec(ctx, `UPDATE collector_jobs SET visible_at = now() WHERE id = $1`, id); err != nil {
				return fmt.Errorf("nack job %d: %w", id, err)
			}
			return nil
		},
	}, nil
}

// Purge drops unacked jobs older than the retention window and returns how
// many were removed.
func (q *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM collector_jobs WHERE created_at < now() - make_interval(secs => $1)`,
		q.cfg.Retention.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Pending counts jobs not yet acked.
func (q *Postgres) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM collector_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (q *Postgres) Close() error {
	if q.own {
		q.pool.Close()
	}
	return nil
}
