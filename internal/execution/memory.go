package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps executions in process memory. It backs the one-shot CLI
// and tests.
type MemoryStore struct {
	// Now is the clock; tests replace it to age executions.
	Now func() time.Time

	mu     sync.Mutex
	nextID int64
	rows   map[int64]*Execution
	logs   map[int64]*Log
	locks  map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:   time.Now,
		rows:  make(map[int64]*Execution),
		logs:  make(map[int64]*Log),
		locks: make(map[string]struct{}),
	}
}

func (s *MemoryStore) now() time.Time { return s.Now().UTC() }

func (s *MemoryStore) CreateExecution(_ context.Context, ingestionID string, mode TriggerMode, triggeredBy string, scheduledFor time.Time) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := Day(scheduledFor)
	if mode == TriggerScheduled {
		if existing := s.findActive(ingestionID, day); existing != nil {
			return nil, fmt.Errorf("ingestion %s on %s (execution %d): %w", ingestionID, day.Format(time.DateOnly), existing.ID, ErrAlreadyScheduled)
		}
	}
	now := s.now()
	s.nextID++
	e := &Execution{
		ID:           s.nextID,
		IngestionID:  ingestionID,
		Status:       StatusPreparing,
		TriggerMode:  mode,
		TriggeredBy:  triggeredBy,
		ScheduledFor: day,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.rows[e.ID] = e
	s.logs[e.ID] = &Log{ExecutionID: e.ID}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return s.transition(e, status, reason)
}

// transition applies a DAG edge. Callers hold mu.
func (s *MemoryStore) transition(e *Execution, status Status, reason string) error {
	if !CanTransition(e.Status, status) {
		return transitionError(e.ID, e.Status, status)
	}
	now := s.now()
	e.Status = status
	e.UpdatedAt = now
	if reason != "" {
		e.Reason = reason
	}
	if status.Terminal() {
		e.Finished = &now
	}
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id int64) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return "", fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if !e.Status.Terminal() {
		e.UpdatedAt = s.now()
	}
	return e.Status, nil
}

func (s *MemoryStore) SetJobID(_ context.Context, id int64, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	e.JobID = jobID
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, id int64, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	entry := LogEntry{Time: s.now(), Level: strings.ToUpper(level), Message: message}
	l.Entries = append(l.Entries, entry)
	l.Blob += FormatLine(entry)
	return nil
}

func (s *MemoryStore) SaveLogs(_ context.Context, id int64, blob string, entries []LogEntry, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if e.Status != status {
		if err := s.transition(e, status, ""); err != nil {
			return err
		}
	}
	if errMsg != "" {
		e.ErrorMessage = errMsg
	}
	l := s.logs[id]
	l.Blob += blob
	l.Entries = append(l.Entries, entries...)
	return nil
}

func (s *MemoryStore) Logs(_ context.Context, id int64) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	cp := &Log{ExecutionID: id, Blob: l.Blob, Entries: make([]LogEntry, len(l.Entries))}
	copy(cp.Entries, l.Entries)
	return cp, nil
}

func (s *MemoryStore) FindActive(_ context.Context, ingestionID string, day time.Time) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.findActive(ingestionID, Day(day)); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) findActive(ingestionID string, day time.Time) *Execution {
	var found *Execution
	for _, e := range s.rows {
		if e.IngestionID != ingestionID || e.TriggerMode != TriggerScheduled || !e.ScheduledFor.Equal(day) {
			continue
		}
		if e.Status == StatusCancelled {
			continue
		}
		if found == nil || e.ID > found.ID {
			found = e
		}
	}
	return found
}

func (s *MemoryStore) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, false, nil
	}
	s.locks[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}, true, nil
}

func (s *MemoryStore) Close() error { return nil }

// FormatLine renders an entry as one blob line.
func FormatLine(e LogEntry) string {
	return fmt.Sprintf("%s %-7s %s\n", e.Time.UTC().Format(time.RFC3339), e.Level, e.Message)
}
