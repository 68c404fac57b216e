package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/femasync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run ledger",
	Long:  "Displays the etl_control entry of every process and any migrations not yet applied.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		pending, err := femasync.PendingMigrations(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(pending) > 0 {
			zap.L().Warn("pending migrations, run 'fema-etl migrate'", zap.Strings("migrations", pending))
		}

		entries, err := listLedger(ctx, femasync.NewLedger(pool), pending)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(entries) == 0 {
			zap.L().Info("no ledger entries found, run 'fema-etl run' to load data")
			return nil
		}

		formatLedgerEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// listLedger reads every ledger entry. Until the ledger migration is applied
// there is no table to read and the ledger is empty.
func listLedger(ctx context.Context, ledger ledgerReader, pending []string) ([]femasync.LedgerEntry, error) {
	if slices.Contains(pending, femasync.LedgerMigration) {
		return nil, nil
	}
	return ledger.List(ctx)
}

// formatLedgerEntries writes a tabular representation of ledger entries to out.
func formatLedgerEntries(out io.Writer, entries []femasync.LedgerEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROCESS\tSTATUS\tLAST RUN\tRECORDS\tRUN ID\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t------\t--------\t-------\t------\t-----")

	for _, e := range entries {
		runID := e.RunID
		if runID == "" {
			runID = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ProcessName,
			e.Status,
			e.LastRun.Format("2006-01-02 15:04"),
			e.RecordsProcessed,
			runID,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

// truncate shortens s to max runes.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
