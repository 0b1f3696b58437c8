package cmd

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/config"
	"github.com/tradeterm/tradeterm/journal"
	"github.com/tradeterm/tradeterm/market"
	"github.com/tradeterm/tradeterm/pipeline"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Place a single order and wait for its outcome",
	Long: `Place one order through a configured back-end and wait for the
terminal outcome (confirmation, fill or rejection).

Example:
  tradeterm trade -f tradeterm.yaml -p sim -s EURUSD --side buy -q 0.1`,
	RunE: runTrade,
}

var (
	tradeConfigPath string
	tradeProvider   string
	tradeSymbol     string
	tradeSide       string
	tradeType       string
	tradeQty        float64
	tradePrice      float64
	tradeStopPts    float64
	tradeTakePts    float64
	tradeWait       time.Duration
)

func init() {
	rootCmd.AddCommand(tradeCmd)

	tradeCmd.Flags().StringVarP(&tradeConfigPath, "config", "f", "", "path to config file (required)")
	tradeCmd.Flags().StringVarP(&tradeProvider, "provider", "p", "sim", "provider to trade through")
	tradeCmd.Flags().StringVarP(&tradeSymbol, "symbol", "s", "", "instrument symbol (required)")
	tradeCmd.Flags().StringVar(&tradeSide, "side", "buy", "buy or sell")
	tradeCmd.Flags().StringVar(&tradeType, "type", "market", "market, limit, stop or stoplimit")
	tradeCmd.Flags().Float64VarP(&tradeQty, "qty", "q", 0, "volume (required)")
	tradeCmd.Flags().Float64Var(&tradePrice, "price", 0, "limit price")
	tradeCmd.Flags().Float64Var(&tradeStopPts, "stop-points", 0, "stop-loss distance in points")
	tradeCmd.Flags().Float64Var(&tradeTakePts, "take-points", 0, "take-profit distance in points")
	tradeCmd.Flags().DurationVar(&tradeWait, "wait", 30*time.Second, "how long to wait for the outcome")
	tradeCmd.MarkFlagRequired("config")
	tradeCmd.MarkFlagRequired("symbol")
	tradeCmd.MarkFlagRequired("qty")
}

func runTrade(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadFromFile(tradeConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	jnl, err := openJournal(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	reg := broker.NewRegistry()
	registerProviders(reg, cfg, log)
	defer reg.Close()

	outcome := make(chan string, 2)
	pipe := pipeline.New(reg, jnl, func(n pipeline.Notification) {
		switch n.Kind {
		case journal.KindConfirmed:
			outcome <- fmt.Sprintf("confirmed, ticket %s", n.Ticket)
		case journal.KindRejected:
			outcome <- fmt.Sprintf("rejected: %s", n.Reason)
		}
	}, log)

	res := pipe.Exec(cmd.Context(), tradeProvider, broker.Order{
		Symbol:     tradeSymbol,
		Side:       market.Side(tradeSide),
		Type:       market.OrderType(tradeType),
		Qty:        tradeQty,
		Price:      tradePrice,
		StopPoints: tradeStopPts,
		TakePoints: tradeTakePts,
	})

	switch {
	case res.Status == broker.StatusRejected:
		return fmt.Errorf("order rejected: %s", res.Reason)
	case res.PendingToken() == "":
		fmt.Printf("Order accepted: %s (ticket %s)\n", res.Status, res.OrderID)
		return nil
	}

	fmt.Printf("Order pending (token %s), waiting for the back-end...\n", res.PendingToken())
	select {
	case msg := <-outcome:
		fmt.Println("Order " + msg)
		return nil
	case <-time.After(tradeWait):
		pipe.Stop(res.PendingToken())
		return fmt.Errorf("no outcome within %s, withdrawal requested", tradeWait)
	case <-cmd.Context().Done():
		pipe.Stop(res.PendingToken())
		return cmd.Context().Err()
	}
}
