// Package logarchive copies finished execution logs to object storage.
package logarchive

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/nucleus/collector/internal/config"
)

// Archive stores one object and returns its URI.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

const contentType = "text/plain; charset=utf-8"

// Key lays out archived logs by ingestion and day:
// <ingestion>/<yyyy>/<mm>/<dd>/execution-<id>.log
func Key(ingestionID string, executionID int64, at time.Time) string {
	return path.Join(ingestionID, at.UTC().Format("2006/01/02"), fmt.Sprintf("execution-%d.log", executionID))
}

// New builds the archive selected by cfg.Backend. An empty backend returns
// nil, nil so callers can skip archiving.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	var (
		a   Archive
		err error
	)
	switch cfg.Backend {
	case "":
		return nil, nil
	case "minio":
		a, err = NewMinIO(cfg)
	case "s3":
		a, err = NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Prefix != "" {
		a = Prefixed(a, cfg.Prefix)
	}
	return a, nil
}

// Prefixed places every key of a under prefix.
func Prefixed(a Archive, prefix string) Archive {
	return prefixed{next: a, prefix: prefix}
}

type prefixed struct {
	next   Archive
	prefix string
}

func (p prefixed) Put(ctx context.Context, key string, data []byte) (string, error) {
	return p.next.Put(ctx, path.Join(p.prefix, key), data)
}

// Memory keeps archived objects in a map. Used by tests and the one-shot CLI.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Object returns a stored object.
func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
