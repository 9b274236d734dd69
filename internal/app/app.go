// Package app assembles the collector runtime from configuration. Both the
// one-shot CLI and the daemon build their components here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/config"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/ingestion"
	"github.com/nucleus/collector/internal/logarchive"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/metrics"
	"github.com/nucleus/collector/internal/queue"
	"github.com/nucleus/collector/internal/scheduler"
	"github.com/nucleus/collector/internal/worker"
)

// App holds the wired components. Queue is nil when the Temporal backend
// is used; jobs are then consumed by a Temporal worker.
type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Catalog   catalog.Catalog
	Store     execution.Store
	Producer  queue.Producer
	Queue     queue.Queue
	Temporal  *queue.Temporal
	Archive   logarchive.Archive
	Metrics   *metrics.Metrics
	Engine    *ingestion.Engine
	Worker    *worker.Worker
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// Options lets callers replace parts of the default wiring.
type Options struct {
	// MemoryStore forces the in-memory execution store and queue regardless
	// of configuration. The one-shot CLI uses it.
	MemoryStore bool
}

// NewLogger builds the process logger and installs it as default.
func NewLogger(cfg config.LogConfig, service string) *logger.Logger {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Level
	lc.Format = cfg.Format
	lc.File = cfg.File
	lc.FileOnly = cfg.FileOnly
	lc.ServiceName = service
	log := logger.New(lc)
	logger.SetDefaultLogger(log)
	return log
}

// New wires every component. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg, log := a.Config, a.Log

	a.Catalog = NewCatalog(cfg.Catalog)
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	if err := a.openStore(ctx, opts); err != nil {
		return err
	}
	if err := a.openQueue(ctx, opts); err != nil {
		return err
	}

	archive, err := logarchive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("open log archive: %w", err)
	}
	a.Archive = archive

	a.Engine = ingestion.NewEngine(a.Catalog, a.Store)

	a.Worker = worker.NewWorker(a.Catalog, a.Store, a.Engine, cfg.Worker)
	a.Worker.Archive = a.Archive
	a.Worker.Metrics = a.Metrics
	a.Worker.Log = log.WithField("component", "worker")

	a.Scheduler = scheduler.New(a.Catalog, a.Store, a.Producer)
	a.Scheduler.Metrics = a.Metrics
	a.Scheduler.Log = log.WithField("component", "scheduler")
	return nil
}

// NewCatalog creates the Catalog API client. A token secret enables
// service tokens.
func NewCatalog(cfg config.CatalogConfig) *catalog.Client {
	cc := catalog.Config{
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
		Retries:  cfg.Retries,
		PageSize: cfg.PageSize,
	}
	if cfg.TokenSecret != "" {
		cc.Tokens = catalog.NewTokenSource(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)
	}
	return catalog.NewClient(cc)
}

func (a *App) openStore(ctx context.Context, opts Options) error {
	cfg := a.Config.Database
	if opts.MemoryStore || cfg.DSN == "" {
		a.Store = execution.NewMemoryStore()
		return nil
	}
	if cfg.AutoMigrate {
		if err := execution.Migrate(cfg.DSN); err != nil {
			return err
		}
	}
	store, err := execution.OpenPostgres(ctx, cfg.DSN, cfg.MaxOpenConns)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) openQueue(ctx context.Context, opts Options) error {
	cfg := a.Config.Queue
	backend := cfg.Backend
	if opts.MemoryStore {
		backend = "memory"
	}

	switch backend {
	case "memory":
		q := queue.NewMemory()
		q.Visibility = cfg.Visibility
		a.Queue, a.Producer = q, q
		a.closers = append(a.closers, q.Close)
	case "postgres":
		dsn := a.Config.QueueDSN()
		if dsn == "" {
			return errors.New("queue.dsn or database.dsn is required for the postgres queue")
		}
		if a.Config.Database.AutoMigrate && dsn != a.Config.Database.DSN {
			if err := execution.Migrate(dsn); err != nil {
				return err
			}
		}
		q, err := queue.OpenPostgres(ctx, dsn, queue.PostgresConfig{
			Visibility:   cfg.Visibility,
			PollInterval: cfg.PollInterval,
			Retention:    time.Duration(cfg.RetentionHours) * time.Hour,
		})
		if err != nil {
			return err
		}
		a.Queue, a.Producer = q, q
		a.closers = append(a.closers, q.Close)
	case "temporal":
		t, err := queue.DialTemporal(queue.TemporalConfig{
			HostPort:  cfg.TemporalHost,
			Namespace: cfg.TemporalNS,
			TaskQueue: cfg.TaskQueue,
			Logger:    a.Log.WithField("component", "temporal"),
		})
		if err != nil {
			return err
		}
		a.Temporal, a.Producer = t, t
		a.closers = append(a.closers, t.Close)
	default:
		return fmt.Errorf("unknown queue backend %q", backend)
	}
	return nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RunWorkers consumes jobs until ctx is done, from the pull queue or from
// Temporal depending on the backend.
func (a *App) RunWorkers(ctx context.Context) error {
	concurrency := a.Config.Worker.Concurrency
	if a.Queue != nil {
		return worker.NewPool(a.Worker, a.Queue, concurrency).Run(ctx)
	}
	if a.Temporal != nil {
		return worker.RunTemporal(ctx, a.Temporal.Client(), a.Temporal.TaskQueue(), a.Worker, concurrency)
	}
	return errors.New("no job queue configured")
}

// purgeInterval is how often expired rows leave the postgres queue.
const purgeInterval = time.Hour

// RunPurge deletes expired jobs from the postgres queue every hour. It
// returns at once for other backends.
func (a *App) RunPurge(ctx context.Context) error {
	pq, ok := a.Queue.(*queue.Postgres)
	if !ok {
		return nil
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := pq.Purge(ctx)
			if err != nil {
				a.Log.WithError(err).Warn("queue purge failed")
				continue
			}
			if n > 0 {
				a.Log.WithField("rows", n).Info("purged expired jobs")
			}
		}
	}
}
