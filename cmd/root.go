package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fema-etl",
	Short: "OpenFEMA disaster and public assistance ETL",
	Long:  "Pages OpenFEMA disaster declarations and public assistance funded projects into Postgres, rebuilds the derived fact and dimension tables, and records each run in etl_control.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
