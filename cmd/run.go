package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/config"
	"github.com/sells-group/fema-etl/internal/db"
	"github.com/sells-group/fema-etl/internal/femasync"
	"github.com/sells-group/fema-etl/internal/femasync/dataset"
	"github.com/sells-group/fema-etl/internal/metrics"
)

// runFlags holds the command-line overrides for a run.
type runFlags struct {
	datasets      []string
	skipAggregate bool
	skipMigrate   bool
	pageSize      int
	maxRecords    int
	minInterval   time.Duration
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full ETL",
	Long:  "Applies pending migrations, loads every selected dataset, rebuilds the derived tables and records the outcome in etl_control.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runOpts.apply(cmd.Flags().Changed, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if !runOpts.skipMigrate {
			ledger := femasync.NewLedger(pool, dataset.NewRegistry().Tables()...)
			if err := migrateForRun(ctx, pool, ledger, cfg); err != nil {
				return err
			}
		}

		m := metrics.NewPipeline()
		eng := buildEngine(cfg, pool, newFetcher(cfg), m)

		res, runErr := eng.Run(ctx, dataset.RunOpts{
			Datasets:      cfg.ETL.Datasets,
			SkipAggregate: runOpts.skipAggregate,
		})

		// The run is over either way; a cancelled ctx must not block the push.
		pushMetrics(context.WithoutCancel(ctx), cfg.Metrics, m)

		if runErr != nil {
			return eris.Wrap(runErr, "run")
		}

		formatRunResult(os.Stdout, res)
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringSliceVar(&runOpts.datasets, "datasets", nil, "datasets to load (default from config: declarations,public_assistance)")
	f.BoolVar(&runOpts.skipAggregate, "skip-aggregate", false, "load base tables only")
	f.BoolVar(&runOpts.skipMigrate, "skip-migrate", false, "do not apply pending migrations first")
	f.IntVar(&runOpts.pageSize, "page-size", 0, "records per API page (default from config)")
	f.IntVar(&runOpts.maxRecords, "max-records", 0, "per-dataset record cap, 0 disables (default from config)")
	f.DurationVar(&runOpts.minInterval, "min-interval", 0, "pause between page requests (default from config)")
	rootCmd.AddCommand(runCmd)
}

// migrateForRun applies pending migrations. A failure is recorded in the
// ledger on a best-effort basis, since the ledger table may be what failed.
func migrateForRun(ctx context.Context, pool db.Pool, ledger dataset.RunLedger, c *config.Config) error {
	err := femasync.Migrate(ctx, pool, c.Database.ConnectRetry())
	if err == nil {
		return nil
	}
	details := map[string]any{"stage": "migrate"}
	if ledErr := ledger.Fail(context.WithoutCancel(ctx), c.ETL.ProcessName, uuid.New(), err, details); ledErr != nil {
		zap.L().Warn("failed to record migration failure", zap.Error(ledErr))
	}
	return eris.Wrap(err, "run: migrate")
}

// apply copies the flags the user set over the loaded config.
func (f runFlags) apply(changed func(name string) bool, c *config.Config) {
	if changed("datasets") && len(f.datasets) > 0 {
		c.ETL.Datasets = f.datasets
	}
	if changed("page-size") {
		c.ETL.PageSize = f.pageSize
	}
	if changed("max-records") {
		c.ETL.MaxRecords = f.maxRecords
	}
	if changed("min-interval") {
		c.ETL.CooldownMs = int(f.minInterval.Milliseconds())
	}
}

// pushMetrics sends the run's collectors to the Pushgateway when one is
// configured. Failures are logged only.
func pushMetrics(ctx context.Context, mc config.MetricsConfig, m *metrics.Pipeline) {
	if mc.PushgatewayURL == "" {
		return
	}
	if err := m.Push(ctx, mc.PushgatewayURL, mc.Job); err != nil {
		zap.L().Warn("metrics push failed", zap.Error(err))
	}
}

// formatRunResult writes the per-dataset and derived-table summary of a run.
func formatRunResult(out io.Writer, res *dataset.RunResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tPAGES\tFETCHED\tLOADED\tKEYLESS\tDUPLICATES\tTRUNCATED")
	_, _ = fmt.Fprintln(w, "-------\t-----\t-------\t------\t-------\t----------\t---------")
	for _, d := range res.Datasets {
		truncated := "no"
		if d.Truncated {
			truncated = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			d.Name, d.Pages, d.Fetched, d.Loaded, d.Keyless, d.Duplicates, truncated)
	}
	_ = w.Flush()

	if len(res.Derived) > 0 {
		_, _ = fmt.Fprintln(out)
		formatDerivedRows(out, res.Derived)
	}

	_, _ = fmt.Fprintf(out, "\nrun %s: %d records in base tables (%s)\n",
		res.RunID, res.RecordsProcessed, res.Duration.Round(time.Millisecond))
	if res.Truncated {
		_, _ = fmt.Fprintln(out, "warning: at least one dataset was truncated by a failed fetch")
	}
}

// formatDerivedRows writes derived table row counts, sorted by table.
func formatDerivedRows(out io.Writer, rows map[string]int64) {
	tables := make([]string, 0, len(rows))
	for t := range rows {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tROWS")
	_, _ = fmt.Fprintln(w, "-----\t----")
	for _, t := range tables {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", t, rows[t])
	}
	_ = w.Flush()
}
