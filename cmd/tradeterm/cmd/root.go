package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradeterm",
	Short: "Execution core for a discretionary trading terminal",
	Long: `Tradeterm routes normalized orders to pluggable brokerage back-ends
and keeps the local view reconciled with what each broker reports.

It provides:
  - Adapters for a file-channel MT5 terminal, a ccxt-style exchange
    gateway, a Just2Trade REST account and an in-process simulator
  - Asynchronous order confirmation with snapshot reconciliation
  - Server-side bracket placement with a parent-order watcher
  - Pending entry triggers (consolidation, false break) fed by M1 bars
  - An event journal (SQLite or CSV) and Prometheus metrics`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
