// Command collectord is the long-running collector: worker pool, scheduler,
// control API, metrics and gRPC health.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nucleus/collector/internal/api"
	"github.com/nucleus/collector/internal/app"
	"github.com/nucleus/collector/internal/config"
	_ "github.com/nucleus/collector/internal/connector"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "collectord",
		Short:        "Metadata ingestion daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to collector.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run workers, scheduler and the control API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, serve)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply execution store and job queue migrations",
			RunE: func(_ *cobra.Command, _ []string) error {
				return migrateDatabases(configPath)
			},
		},
		&cobra.Command{
			Use:   "tick",
			Short: "Run one scheduler tick and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app.App) error {
					res, err := a.Scheduler.Tick(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("specs=%d due=%d enqueued=%d duplicate=%d invalid=%d\n",
						res.Specs, res.Due, res.Enqueued, res.Duplicate, res.Invalid)
					return nil
				})
			},
		},
	)
	return root
}

func withApp(parent context.Context, configPath string, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	log := app.NewLogger(cfg.Log, "collectord")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.WithError(err).Error("failed to start")
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("collectord stopped with error")
		return err
	}
	return nil
}

func migrateDatabases(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.Log, "collectord")
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if err := execution.Migrate(cfg.Database.DSN); err != nil {
		return err
	}
	if cfg.Queue.Backend == "postgres" && cfg.QueueDSN() != cfg.Database.DSN {
		if err := execution.Migrate(cfg.QueueDSN()); err != nil {
			return err
		}
	}
	log.Info("migrations applied")
	return nil
}

// serve runs every component until the first one fails or a signal arrives.
func serve(ctx context.Context, a *app.App) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Log.WithError(err).WithField("component", name).Error("component stopped")
				errOnce.Do(func() { firstErr = err })
				cancel()
			}
		}()
	}

	start("workers", a.RunWorkers)
	start("purge", a.RunPurge)
	if a.Config.Scheduler.Enabled {
		start("scheduler", func(ctx context.Context) error {
			return a.Scheduler.Run(ctx, a.Config.Scheduler.Interval)
		})
	}
	start("http", func(ctx context.Context) error { return serveHTTP(ctx, a) })
	start("grpc", func(ctx context.Context) error { return serveHealth(ctx, a) })

	a.Log.Info("collectord started")
	wg.Wait()
	a.Log.Info("collectord stopped")
	return firstErr
}

func serveHTTP(ctx context.Context, a *app.App) error {
	router := api.NewRouter(api.Deps{
		Trigger: a.Scheduler,
		Store:   a.Store,
		Metrics: a.Metrics,
		Log:     a.Log,
	}, a.Config.Server.Mode)

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Log.WithField("addr", srv.Addr).Info("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func serveHealth(ctx context.Context, a *app.App) error {
	addr := a.Config.Server.GRPCAddr
	if addr == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	go func() {
		<-ctx.Done()
		healthSrv.Shutdown()
		srv.GracefulStop()
	}()
	a.Log.WithField("addr", addr).Info("gRPC health listening")
	if err := srv.Serve(lis); err != nil {
		return err
	}
	return ctx.Err()
}
