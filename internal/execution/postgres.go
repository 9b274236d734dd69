package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

const executionColumns = `id, ingestion_id, status, trigger_mode, COALESCE(triggered_by, ''),
	COALESCE(job_id, ''), scheduled_for, COALESCE(reason, ''), COALESCE(error_message, ''),
	created_at, updated_at, finished`

// PostgresStore persists executions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore reuses an existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB returns the underlying pool.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var (
		e        Execution
		finished sql.NullTime
	)
	err := row.Scan(&e.ID, &e.IngestionID, &e.Status, &e.TriggerMode, &e.TriggeredBy,
		&e.JobID, &e.ScheduledFor, &e.Reason, &e.ErrorMessage,
		&e.CreatedAt, &e.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	e.ScheduledFor = Day(e.ScheduledFor)
	if finished.Valid {
		t := finished.Time.UTC()
		e.Finished = &t
	}
	e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
	return &e, nil
}

// dateArg renders a DATE parameter so the session time zone cannot shift it.
func dateArg(t time.Time) string {
	return Day(t).Format(time.DateOnly)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) CreateExecution(ctx context.Context, ingestionID string, mode TriggerMode, triggeredBy string, scheduledFor time.Time) (*Execution, error) {
	return s.inTx(ctx, func(tx *sql.Tx) (*Execution, error) {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO executions (ingestion_id, status, trigger_mode, triggered_by, scheduled_for)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+executionColumns,
			ingestionID, StatusPreparing, mode, nullString(triggeredBy), dateArg(scheduledFor))
		e, err := scanExecution(row)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return nil, fmt.Errorf("ingestion %s on %s: %w", ingestionID, Day(scheduledFor).Format(time.DateOnly), ErrAlreadyScheduled)
			}
			return nil, fmt.Errorf("failed to create execution: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO execution_logs (execution_id) VALUES ($1)`, e.ID); err != nil {
			return nil, fmt.Errorf("failed to create execution log: %w", err)
		}
		return e, nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, status Status, reason string) error {
	_, err := s.inTx(ctx, func(tx *sql.Tx) (*Execution, error) {
		return nil, s.transition(ctx, tx, id, status, reason, "")
	})
	return err
}

// transition locks the row, validates the DAG edge and applies it. A
// request for the status the row already has only records errMsg.
func (s *PostgresStore) transition(ctx context.Context, tx *sql.Tx, id int64, status Status, reason, errMsg string) error {
	var current Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock execution: %w", err)
	}
	if current == status {
		if errMsg == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE executions SET error_message = $2 WHERE id = $1`, id, errMsg)
		return err
	}
	if !CanTransition(current, status) {
		return transitionError(id, current, status)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET status = $2,
		    reason = COALESCE($3, reason),
		    error_message = COALESCE($4, error_message),
		    updated_at = now(),
		    finished = CASE WHEN $5 THEN now() ELSE NULL END
		WHERE id = $1`,
		id, status, nullString(reason), nullString(errMsg), status.Terminal())
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, id int64) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `
		UPDATE executions
		SET updated_at = CASE WHEN finished IS NULL THEN now() ELSE updated_at END
		WHERE id = $1
		RETURNING status`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to touch execution: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) SetJobID(ctx context.Context, id int64, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET job_id = $2 WHERE id = $1`, id, jobID)
	if err != nil {
		return fmt.Errorf("failed to set job id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, id int64, level, message string) error {
	entry := LogEntry{Time: time.Now().UTC(), Level: strings.ToUpper(level), Message: message}
	_, err := s.inTx(ctx, func(tx *sql.Tx) (*Execution, error) {
		return nil, appendLog(ctx, tx, id, FormatLine(entry), []LogEntry{entry})
	})
	return err
}

func (s *PostgresStore) SaveLogs(ctx context.Context, id int64, blob string, entries []LogEntry, status Status, errMsg string) error {
	_, err := s.inTx(ctx, func(tx *sql.Tx) (*Execution, error) {
		if err := s.transition(ctx, tx, id, status, "", errMsg); err != nil {
			return nil, err
		}
		return nil, appendLog(ctx, tx, id, blob, entries)
	})
	return err
}

func appendLog(ctx context.Context, tx *sql.Tx, id int64, blob string, entries []LogEntry) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE execution_logs SET blob = blob || $2, updated_at = now()
		WHERE execution_id = $1`, id, blob)
	if err != nil {
		return fmt.Errorf("failed to append log blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("execution_log_entries", "execution_id", "logged_at", "level", "message"))
	if err != nil {
		return fmt.Errorf("failed to prepare log copy: %w", err)
	}
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, id, e.Time.UTC(), e.Level, e.Message); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy log entry: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush log entries: %w", err)
	}
	return stmt.Close()
}

func (s *PostgresStore) Logs(ctx context.Context, id int64) (*Log, error) {
	l := &Log{ExecutionID: id}
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM execution_logs WHERE execution_id = $1`, id).Scan(&l.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution log: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT logged_at, level, message FROM execution_log_entries
		WHERE execution_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Time, &e.Level, &e.Message); err != nil {
			return nil, err
		}
		e.Time = e.Time.UTC()
		l.Entries = append(l.Entries, e)
	}
	return l, rows.Err()
}

func (s *PostgresStore) FindActive(ctx context.Context, ingestionID string, day time.Time) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE ingestion_id = $1 AND scheduled_for = $2
		  AND trigger_mode = 'SCHEDULED' AND status <> 'CANCELLED'
		ORDER BY id DESC
		LIMIT 1`, ingestionID, dateArg(day)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active execution: %w", err)
	}
	return e, nil
}

// TryLock takes a session-level advisory lock on a pinned connection. The
// lock lives as long as that connection, so unlock must be called.
func (s *PostgresStore) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to pin connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key)
		conn.Close()
	}, true, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) (*Execution, error)) (*Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	e, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return nil, fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return e, nil
}
