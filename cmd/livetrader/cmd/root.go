package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "livetrader",
	Short: "Execution, reconciliation and trade accounting for automated trading",
	Long: `Livetrader is the execution core of an automated trading system.

It takes directional signals, turns them into orders through a
policy-driven decision layer, and keeps its own records reconciled
against the broker at all times:
  - Signal processing with lockable / always-on policies
  - Order and position reconciliation against broker state
  - Fill attribution for manual and unknown broker activity
  - Durable trade blotter (CSV or SQLite)
  - Orderly or emergency position flattening`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "f", "", "path to YAML or JSON config file")
}
