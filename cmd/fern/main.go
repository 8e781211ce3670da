package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/apiusage"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dryRun bool

	root := &cobra.Command{
		Use:           "fern",
		Short:         "Real-estate listing ingestion and reconciliation",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "use in-memory stores instead of postgres, redis and kafka")

	root.AddCommand(
		migrateCmd(),
		loadReferenceCmd(&dryRun),
		loadListingsCmd(&dryRun),
		historyCmd(),
		pruneUsageCmd(),
	)
	return root
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			svc := database.NewMigrationService(a.logger, &database.MigrationConfig{
				MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
				Version:             uint(a.cfg.DatabaseMigrationVersion),
				Force:               a.cfg.DatabaseMigrationForce,
				AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
			})
			return svc.Migrate(a.db, a.cfg.DatabaseName)
		},
	}
}

func loadReferenceCmd(dryRun *bool) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "load-reference",
		Short: "Load reference entity types in dependency order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{dryRun: *dryRun, needMetadata: true, needRedis: true})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))
			defer pushMetrics(a, "fern_load_reference")

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if len(types) == 0 {
				types = a.md.EntityTypeNames()
			}

			report := orch.LoadReferenceBatch(ctx, types)
			if err := printJSON(cmd, report); err != nil {
				return err
			}

			failed := 0
			for _, st := range report {
				if st.Status != ingestion.StatusSuccess {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d entity types did not load", failed, len(report))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "types", nil, "entity types to load (default all)")
	return cmd
}

func loadListingsCmd(dryRun *bool) *cobra.Command {
	var names []string

	cmd := &cobra.Command{
		Use:   "load-listings",
		Short: "Ingest listings for filter sets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{dryRun: *dryRun, needMetadata: true, needRedis: true, needKafka: true})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))
			defer pushMetrics(a, "fern_load_listings")

			filterSets, err := selectFilterSets(a.md, names)
			if err != nil {
				return err
			}

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if *dryRun {
				// the in-memory reference store starts empty
				warmReferences(ctx, orch, a.md.EntityTypeNames(), a.logger)
			}
			return printJSON(cmd, orch.LoadListingsBatch(ctx, filterSets))
		},
	}
	cmd.Flags().StringSliceVar(&names, "filter-set", nil, "filter sets to ingest (default all)")
	return cmd
}

func historyCmd() *cobra.Command {
	var kind, key string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print every version of a record, live first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			engine, err := a.engine()
			if err != nil {
				return err
			}
			records, err := engine.History(ctx, kind, key)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "listing_detail", "versioned kind")
	cmd.Flags().StringVar(&key, "key", "", "natural key of the record")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func pruneUsageCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune-usage",
		Short: "Delete API usage rows older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if a.cfg.QuotaBackend != config.QuotaBackendPostgres {
				return fmt.Errorf("usage is kept in %s, nothing to prune", a.cfg.QuotaBackend)
			}
			if olderThan < a.cfg.QuotaWindow {
				return fmt.Errorf("--older-than %s is shorter than QUOTA_WINDOW %s", olderThan, a.cfg.QuotaWindow)
			}

			deleted, err := apiusage.NewRepository(a.db, a.logger).Prune(ctx, time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			a.logger.WithContext(ctx).Infof("Pruned %d api usage rows", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention period")
	return cmd
}

type referenceLoader interface {
	LoadReferenceBatch(ctx context.Context, types []string) ingestion.StatusReport
}

// warmReferences loads reference data before a dry-run listing batch so references can resolve.
// Types that fail are logged; their listings are reported as skipped.
func warmReferences(ctx context.Context, loader referenceLoader, types []string, logger ectologger.Logger) int {
	loaded := 0
	for name, st := range loader.LoadReferenceBatch(ctx, types) {
		if st.Status == ingestion.StatusSuccess {
			loaded++
			continue
		}
		logger.WithContext(ctx).WithFields(map[string]any{"entity_type": name, "status": st.Status, "detail": st.Detail}).Warn("Reference type not loaded for dry run")
	}
	return loaded
}

func selectFilterSets(md *mapping.Metadata, names []string) ([]mapping.FilterSet, error) {
	if len(names) == 0 {
		return md.FilterSets, nil
	}
	out := make([]mapping.FilterSet, 0, len(names))
	var unknown []string
	for _, name := range names {
		fs, ok := md.FilterSet(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, *fs)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown filter sets: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func pushMetrics(a *app, job string) {
	if err := metrics.Push(a.cfg.PushGatewayURL, job); err != nil {
		a.logger.WithError(err).Warn("Failed to push metrics")
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
