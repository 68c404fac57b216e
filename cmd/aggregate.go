package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Rebuild the derived tables",
	Long:  "Truncates and repopulates the fact and dimension tables from the current base tables without fetching. The run ledger is not touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		res, err := newAggregator(cfg, pool).Rebuild(ctx)
		if err != nil {
			return eris.Wrap(err, "aggregate")
		}

		zap.L().Info("derived tables rebuilt", zap.Duration("elapsed", res.Duration))
		formatDerivedRows(os.Stdout, res.Rows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
}
