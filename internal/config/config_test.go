package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nucleus/collector/internal/config"
)

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("worker.concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Worker.RetryBackoff != 30*time.Second {
		t.Errorf("worker.retry_backoff = %s", cfg.Worker.RetryBackoff)
	}
	if cfg.Scheduler.Interval != time.Hour {
		t.Errorf("scheduler.interval = %s", cfg.Scheduler.Interval)
	}
	if cfg.Queue.Backend != "memory" || cfg.Catalog.PageSize != 100 {
		t.Errorf("queue.backend = %q, page_size = %d", cfg.Queue.Backend, cfg.Catalog.PageSize)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "collector.yaml")
	yaml := "worker:\n  concurrency: 8\nqueue:\n  backend: postgres\ndatabase:\n  dsn: postgres://file\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COLLECTOR_WORKER_CONCURRENCY", "2")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("env should override file: concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Queue.Backend != "postgres" {
		t.Errorf("queue.backend = %q", cfg.Queue.Backend)
	}
	if cfg.QueueDSN() != "postgres://file" {
		t.Errorf("QueueDSN should fall back to database.dsn, got %q", cfg.QueueDSN())
	}
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			Catalog: config.CatalogConfig{PageSize: 100},
			Worker:  config.WorkerConfig{Concurrency: 1, RetryBackoff: time.Minute},
			Queue:   config.QueueConfig{Backend: "memory"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"valid", func(*config.Config) {}, false},
		{"page size too large", func(c *config.Config) { c.Catalog.PageSize = 500 }, true},
		{"short backoff", func(c *config.Config) { c.Worker.RetryBackoff = time.Second }, true},
		{"unknown queue", func(c *config.Config) { c.Queue.Backend = "kafka" }, true},
		{"unknown archive", func(c *config.Config) { c.Archive.Backend = "gcs" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
