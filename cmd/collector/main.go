// Command collector runs one ingestion of a provider and exits: 0 when the
// execution succeeded, 1 otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nucleus/collector/internal/app"
	"github.com/nucleus/collector/internal/catalog"
	"github.com/nucleus/collector/internal/config"
	_ "github.com/nucleus/collector/internal/connector"
	"github.com/nucleus/collector/internal/core"
	"github.com/nucleus/collector/internal/execution"
	"github.com/nucleus/collector/internal/logger"
	"github.com/nucleus/collector/internal/queue"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		providerID string
		configPath string
	)
	cmd := &cobra.Command{
		Use:          "collector --id <provider_uuid>",
		Short:        "Ingest the metadata of one provider into the catalog",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, providerID, configPath)
		},
	}
	cmd.Flags().StringVar(&providerID, "id", "", "provider UUID")
	cmd.Flags().StringVar(&configPath, "config", "", "path to collector.yaml")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func run(ctx context.Context, providerID, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	log := app.NewLogger(cfg.Log, "collector")
	defer logger.Sync()

	a, err := app.New(ctx, cfg, log, app.Options{MemoryStore: true})
	if err != nil {
		log.WithError(err).Error("failed to start")
		return err
	}
	defer a.Close()

	log = log.WithField("provider_id", providerID)
	spec, err := firstIngestion(ctx, a.Catalog, providerID)
	if err != nil {
		log.WithError(err).Error("cannot run ingestion")
		return err
	}

	e, err := a.Store.CreateExecution(ctx, spec.ID, execution.TriggerManual, "cli", time.Now())
	if err != nil {
		return err
	}
	job := queue.Job{IngestionID: spec.ID, ExecutionID: e.ID}
	if err := a.Worker.Process(ctx, job); err != nil {
		log.WithError(err).Error("execution did not finish")
		return err
	}

	e, err = a.Store.Get(context.WithoutCancel(ctx), e.ID)
	if err != nil {
		return err
	}
	entry := log.WithFields(logger.Fields{
		"ingestion_id": spec.ID,
		"execution_id": e.ID,
		"status":       e.Status,
	})
	if e.Status != execution.StatusSuccess {
		entry.WithField("error", e.ErrorMessage).Error("ingestion failed")
		return fmt.Errorf("execution %d finished with %s", e.ID, e.Status)
	}
	entry.Info("ingestion succeeded")
	return nil
}

// firstIngestion returns the first ingestion spec of a provider after
// checking that the provider exists and has a connection.
func firstIngestion(ctx context.Context, cat catalog.Catalog, providerID string) (*core.IngestionSpec, error) {
	provider, err := cat.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	conns, err := cat.ListConnections(ctx, provider.ID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("provider %s has no connection", provider.Name)
	}
	page, err := cat.ListIngestions(ctx, catalog.IngestionQuery{ProviderID: provider.ID}, 1)
	if err != nil {
		return nil, fmt.Errorf("list ingestions: %w", err)
	}
	if len(page.Items) == 0 {
		return nil, errors.New("provider has no ingestion")
	}
	return &page.Items[0], nil
}
