package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/broker/exchange"
	"github.com/tradeterm/tradeterm/broker/j2t"
	"github.com/tradeterm/tradeterm/broker/mt5"
	"github.com/tradeterm/tradeterm/broker/sim"
	"github.com/tradeterm/tradeterm/config"
	"github.com/tradeterm/tradeterm/feed"
	"github.com/tradeterm/tradeterm/journal"
	"github.com/tradeterm/tradeterm/market"
	"github.com/tradeterm/tradeterm/metrics"
	"github.com/tradeterm/tradeterm/pipeline"
	"github.com/tradeterm/tradeterm/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the terminal from a config file",
	Long: `Run the execution core with the back-ends, journal and triggers
from a configuration file. The process serves until interrupted.

Example:
  tradeterm run -f tradeterm.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	// Secrets may come from the environment; a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	if cfg.Providers.MT5 != nil {
		for symbol, tick := range cfg.Providers.MT5.TickSizes {
			market.RegisterTickSize(symbol, tick)
		}
	}

	jnl, err := openJournal(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	reg := broker.NewRegistry()
	registerProviders(reg, cfg, log)
	defer reg.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(reg, jnl, notifyLogger(log), log)

	hub := trigger.NewHub(
		trigger.HubConfig{MinStopPoints: cfg.Trigger.MinStopPoints},
		func(provider string, o broker.Order) {
			res := pipe.Exec(ctx, provider, o)
			if res.Status == broker.StatusRejected {
				log.Warn("trigger entry rejected",
					zap.String("provider", provider),
					zap.String("symbol", o.Symbol),
					zap.String("reason", res.Reason))
			}
		},
		func(provider string, symbols []string) {
			a, err := reg.Get(provider)
			if err != nil {
				log.Warn("subscribe: no adapter", zap.String("provider", provider), zap.Error(err))
				return
			}
			type barSubscriber interface{ SubscribeBars([]string) error }
			if s, ok := a.(barSubscriber); ok {
				if err := s.SubscribeBars(symbols); err != nil {
					log.Warn("bar subscription failed", zap.String("provider", provider), zap.Error(err))
				}
			}
		},
		log)

	// Construct every configured adapter up front: misconfiguration is
	// fatal at startup, not on first order. Each adapter's bar stream
	// drives the trigger hub.
	for _, name := range reg.Providers() {
		a, err := reg.Get(name)
		if err != nil {
			return err
		}
		provider := name
		a.Events().OnBar(func(b market.Bar) { hub.OnBar(provider, b) })
	}

	if cfg.Feed.URL != "" {
		provider := cfg.Feed.Provider
		w := feed.NewWorker(feed.Config{
			URL:     cfg.Feed.URL,
			Symbols: cfg.Feed.Symbols,
		}, func(b market.Bar) { hub.OnBar(provider, b) }, log)
		w.Start(ctx)
		defer w.Stop()
	}

	for _, pt := range cfg.Trigger.Pending {
		bars := pt.Bars
		if bars == 0 {
			bars = cfg.Trigger.Bars
		}
		id, err := hub.QueuePlacePending(trigger.PendingOrder{
			Provider:   pt.Provider,
			Symbol:     pt.Symbol,
			Price:      pt.Price,
			Side:       market.Side(pt.Side),
			Strategy:   pt.Strategy,
			Qty:        pt.Qty,
			TakePoints: pt.TakePoints,
			Bars:       bars,
			NoRange:    pt.NoRange,
		})
		if err != nil {
			return fmt.Errorf("arm trigger for %s:%s: %w", pt.Provider, pt.Symbol, err)
		}
		log.Info("trigger armed", zap.String("id", id), zap.Float64("price", pt.Price))
	}

	log.Info("terminal running",
		zap.Strings("providers", reg.Providers()),
		zap.Int("triggers", len(cfg.Trigger.Pending)))

	err = metrics.Serve(ctx, cfg.Metrics.Listen, log)
	log.Info("shutting down")
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func openJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Type {
	case "", "none":
		return journal.Nop{}, nil
	case "csv":
		return journal.NewCSV(jc.CSVFile)
	case "sqlite":
		return journal.NewSQLite(jc.DBPath)
	}
	return nil, fmt.Errorf("unknown journal type: %s", jc.Type)
}

func notifyLogger(log *zap.Logger) pipeline.NotifyFunc {
	log = log.Named("notify")
	return func(n pipeline.Notification) {
		log.Info(string(n.Kind),
			zap.String("provider", n.Provider),
			zap.String("symbol", n.Symbol),
			zap.String("ticket", n.Ticket),
			zap.String("reason", n.Reason))
	}
}

func registerProviders(reg *broker.Registry, cfg *config.Config, log *zap.Logger) {
	weights := cfg.MatcherWeights()

	if c := cfg.Providers.MT5; c != nil {
		reg.Register("mt5", func() (broker.Adapter, error) {
			return mt5.New(mt5.Config{
				Client: mt5.ClientConfig{
					Dir:          c.Dir,
					PollInterval: config.Duration(c.PollInterval),
				},
				Magic:          c.Magic,
				RetryDelay:     config.Duration(c.RetryDelay),
				ConfirmTimeout: config.Duration(c.ConfirmTimeout),
				Weights:        weights,
				Symbols:        c.Symbols,
			}, log)
		})
	}

	if c := cfg.Providers.Exchange; c != nil {
		reg.Register("exchange", func() (broker.Adapter, error) {
			return exchange.New(exchange.Config{
				BaseURL:       c.BaseURL,
				Key:           c.Key,
				Secret:        c.Secret,
				WatchInterval: config.Duration(c.WatchInterval),
				WatchMaxAge:   config.Duration(c.WatchMaxAge),
			}, log)
		})
	}

	if c := cfg.Providers.J2T; c != nil {
		reg.Register("j2t", func() (broker.Adapter, error) {
			return j2t.New(j2t.Config{
				BaseURL:   c.BaseURL,
				AccountID: c.AccountID,
				Token:     c.Token,
			}, log)
		})
	}

	if c := cfg.Providers.Sim; c != nil {
		reg.Register("sim", func() (broker.Adapter, error) {
			return sim.New(sim.Config{
				Latency: config.Duration(c.Latency),
			}, log), nil
		})
	}
}
