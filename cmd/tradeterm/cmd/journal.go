package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tradeterm/tradeterm/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the event journal",
}

var journalRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent execution events",
	Args:  cobra.NoArgs,
	RunE:  runJournalRecent,
}

var (
	journalDBPath string
	journalLimit  int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalRecentCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./tradeterm.db", "path to SQLite journal DB")
	journalRecentCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "number of events to show")
}

func runJournalRecent(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	events, err := j.RecentEvents(journalLimit)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-8s %-18s", e.Time.Format("2006-01-02 15:04:05"), e.Provider, e.Kind)
		if e.Symbol != "" {
			line += " " + e.Symbol
		}
		if e.Ticket != "" {
			line += " ticket=" + e.Ticket
		}
		if e.Token != "" {
			line += " token=" + e.Token
		}
		if e.Reason != "" {
			line += " reason=" + e.Reason
		}
		if e.Kind == journal.KindClosed {
			line += fmt.Sprintf(" pnl=%.2f", e.Profit)
		}
		fmt.Println(line)
	}
	return nil
}
