package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process queue for tests and one-shot runs.
type Memory struct {
	// Visibility is how long a dequeued job stays leased. Zero leases
	// forever.
	Visibility time.Duration
	// Now is the clock used for leases.
	Now func() time.Time

	mu       sync.Mutex
	seq      int64
	pending  []*memJob
	inflight map[int64]*memJob
	notify   chan struct{}
	closed   bool
	done     chan struct{}
}

type memJob struct {
	id       int64
	job      Job
	attempts int
	leased   time.Time
}

// NewMemory creates an empty queue.
func NewMemory() *Memory {
	return &Memory{
		Now:      time.Now,
		inflight: map[int64]*memJob{},
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (m *Memory) Enqueue(_ context.Context, job Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.seq++
	m.pending = append(m.pending, &memJob{id: m.seq, job: job})
	m.signal()
	return strconv.FormatInt(m.seq, 10), nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := m.take()
		if err != nil || d != nil {
			return d, err
		}

		if err := m.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (m *Memory) wait(ctx context.Context) error {
	var expire <-chan time.Time
	if m.Visibility > 0 {
		timer := time.NewTimer(m.Visibility)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	case <-m.notify:
	case <-expire:
	}
	return nil
}

// Len returns the number of jobs waiting for a consumer.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *Memory) take() (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.expireLeases()
	if len(m.pending) == 0 {
		return nil, nil
	}

	j := m.pending[0]
	m.pending = m.pending[1:]
	j.attempts++
	j.leased = m.Now()
	m.inflight[j.id] = j

	id := j.id
	return &Delivery{
		Job:     j.job,
		ID:      strconv.FormatInt(id, 10),
		Attempt: j.attempts,
		ack: func(context.Context) error {
			m.mu.Lock()
			delete(m.inflight, id)
			m.mu.Unlock()
			return nil
		},
		nack: func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			if j, ok := m.inflight[id]; ok {
				delete(m.inflight, id)
				m.pending = append(m.pending, j)
				m.signal()
			}
			return nil
		},
	}, nil
}

// expireLeases returns jobs whose lease ran out to the pending list.
// Caller holds m.mu.
func (m *Memory) expireLeases() {
	if m.Visibility <= 0 {
		return
	}
	now := m.Now()
	for id, j := range m.inflight {
		if now.Sub(j.leased) >= m.Visibility {
			delete(m.inflight, id)
			m.pending = append(m.pending, j)
		}
	}
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
