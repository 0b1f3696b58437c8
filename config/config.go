package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradeterm/tradeterm/broker"
)

// Config is the complete terminal configuration.
type Config struct {
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Matcher   MatcherConfig   `json:"matcher" yaml:"matcher"`
	Trigger   TriggerConfig   `json:"trigger" yaml:"trigger"`
	Feed      FeedConfig      `json:"feed,omitempty" yaml:"feed,omitempty"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Metrics   MetricsConfig   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	LogLevel  string          `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// ProvidersConfig enables and configures the brokerage back-ends.
// A nil block leaves that provider unregistered.
type ProvidersConfig struct {
	MT5      *MT5Config      `json:"mt5,omitempty" yaml:"mt5,omitempty"`
	Exchange *ExchangeConfig `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	J2T      *J2TConfig      `json:"j2t,omitempty" yaml:"j2t,omitempty"`
	Sim      *SimConfig      `json:"sim,omitempty" yaml:"sim,omitempty"`
}

// MT5Config configures the file-channel terminal back-end.
type MT5Config struct {
	Dir          string             `json:"dir" yaml:"dir"`
	PollInterval string             `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	RetryDelay   string             `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	// ConfirmTimeout caps how long a submitted order may wait for a
	// terminal confirmation before being rejected locally.
	ConfirmTimeout string             `json:"confirm_timeout,omitempty" yaml:"confirm_timeout,omitempty"`
	Magic          int                `json:"magic,omitempty" yaml:"magic,omitempty"`
	Symbols        []string           `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	TickSizes      map[string]float64 `json:"tick_sizes,omitempty" yaml:"tick_sizes,omitempty"`
}

type ExchangeConfig struct {
	BaseURL       string `json:"base_url" yaml:"base_url"`
	Key           string `json:"key" yaml:"key"`
	Secret        string `json:"secret,omitempty" yaml:"secret,omitempty"`
	WatchInterval string `json:"watch_interval,omitempty" yaml:"watch_interval,omitempty"`
	WatchMaxAge   string `json:"watch_max_age,omitempty" yaml:"watch_max_age,omitempty"`
}

type J2TConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	AccountID string `json:"account_id" yaml:"account_id"`
	Token     string `json:"token" yaml:"token"`
}

type SimConfig struct {
	Latency string `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// MatcherConfig carries the reconciliation weights; zero values fall
// back to the observed defaults.
type MatcherConfig struct {
	Weights broker.Weights `json:"weights" yaml:"weights"`
}

// TriggerConfig tunes the pending-trigger engine defaults and lists
// triggers to arm at startup.
type TriggerConfig struct {
	Bars          int                    `json:"bars,omitempty" yaml:"bars,omitempty"`
	MinStopPoints float64                `json:"min_stop_points,omitempty" yaml:"min_stop_points,omitempty"`
	Pending       []PendingTriggerConfig `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// PendingTriggerConfig arms one trigger when the terminal starts.
type PendingTriggerConfig struct {
	Provider   string  `json:"provider" yaml:"provider"`
	Symbol     string  `json:"symbol" yaml:"symbol"`
	Price      float64 `json:"price" yaml:"price"`
	Side       string  `json:"side" yaml:"side"`
	Strategy   string  `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Qty        float64 `json:"qty" yaml:"qty"`
	TakePoints float64 `json:"take_points,omitempty" yaml:"take_points,omitempty"`
	Bars       int     `json:"bars,omitempty" yaml:"bars,omitempty"`
	NoRange    bool    `json:"no_range,omitempty" yaml:"no_range,omitempty"`
}

// FeedConfig configures the websocket bar feed.
type FeedConfig struct {
	URL      string   `json:"url,omitempty" yaml:"url,omitempty"`
	Provider string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Symbols  []string `json:"symbols,omitempty" yaml:"symbols,omitempty"`
}

// JournalConfig selects the event journal backend.
type JournalConfig struct {
	Type    string `json:"type" yaml:"type"` // "csv", "sqlite" or "none"
	CSVFile string `json:"csv_file,omitempty" yaml:"csv_file,omitempty"`
	DBPath  string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type MetricsConfig struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Default returns a runnable baseline: simulator only, sqlite journal.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{Sim: &SimConfig{}},
		Matcher:   MatcherConfig{Weights: broker.DefaultWeights()},
		Trigger:   TriggerConfig{Bars: 3, MinStopPoints: 6},
		Journal:   JournalConfig{Type: "sqlite", DBPath: "tradeterm.db"},
		LogLevel:  "info",
	}
}

// SaveToFile writes the configuration, picking the format from the
// file extension (.json for JSON, anything else YAML).
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a file (YAML first, JSON as
// fallback) and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := unmarshalFlexible(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the terminal cannot start with.
// These are the only fatal errors in the system.
func (c *Config) Validate() error {
	p := c.Providers
	if p.MT5 == nil && p.Exchange == nil && p.J2T == nil && p.Sim == nil {
		return fmt.Errorf("at least one provider must be configured")
	}
	if p.MT5 != nil {
		if p.MT5.Dir == "" {
			return fmt.Errorf("providers.mt5.dir is required")
		}
		if fi, err := os.Stat(p.MT5.Dir); err != nil || !fi.IsDir() {
			return fmt.Errorf("providers.mt5.dir %q does not exist", p.MT5.Dir)
		}
		if _, err := parseDuration(p.MT5.PollInterval); err != nil {
			return fmt.Errorf("providers.mt5.poll_interval: %w", err)
		}
		if _, err := parseDuration(p.MT5.RetryDelay); err != nil {
			return fmt.Errorf("providers.mt5.retry_delay: %w", err)
		}
		if _, err := parseDuration(p.MT5.ConfirmTimeout); err != nil {
			return fmt.Errorf("providers.mt5.confirm_timeout: %w", err)
		}
	}
	if p.Exchange != nil {
		if p.Exchange.BaseURL == "" {
			return fmt.Errorf("providers.exchange.base_url is required")
		}
		if p.Exchange.Key == "" {
			return fmt.Errorf("providers.exchange.key is required")
		}
		if _, err := parseDuration(p.Exchange.WatchInterval); err != nil {
			return fmt.Errorf("providers.exchange.watch_interval: %w", err)
		}
		if _, err := parseDuration(p.Exchange.WatchMaxAge); err != nil {
			return fmt.Errorf("providers.exchange.watch_max_age: %w", err)
		}
	}
	if p.J2T != nil {
		if p.J2T.BaseURL == "" || p.J2T.AccountID == "" || p.J2T.Token == "" {
			return fmt.Errorf("providers.j2t requires base_url, account_id and token")
		}
	}
	if w := c.Matcher.Weights; w.Threshold < 0 {
		return fmt.Errorf("matcher.weights.threshold must be >= 0")
	}
	if c.Trigger.MinStopPoints < 0 {
		return fmt.Errorf("trigger.min_stop_points must be >= 0")
	}
	for i, pt := range c.Trigger.Pending {
		if pt.Provider == "" || pt.Symbol == "" {
			return fmt.Errorf("trigger.pending[%d]: provider and symbol are required", i)
		}
		if pt.Price <= 0 {
			return fmt.Errorf("trigger.pending[%d]: price must be > 0", i)
		}
		if pt.Side != "buy" && pt.Side != "sell" {
			return fmt.Errorf("trigger.pending[%d]: side must be buy|sell", i)
		}
		if pt.Qty <= 0 {
			return fmt.Errorf("trigger.pending[%d]: qty must be > 0", i)
		}
	}
	switch c.Journal.Type {
	case "", "none":
	case "csv":
		if c.Journal.CSVFile == "" {
			return fmt.Errorf("journal.csv_file is required for the csv backend")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("journal.type must be csv, sqlite or none, got %q", c.Journal.Type)
	}
	return nil
}

// MatcherWeights returns the configured weights with zero fields
// replaced by the observed defaults.
func (c *Config) MatcherWeights() broker.Weights {
	w := c.Matcher.Weights
	if w == (broker.Weights{}) {
		return broker.DefaultWeights()
	}
	if w.Threshold == 0 {
		w.Threshold = broker.DefaultWeights().Threshold
	}
	return w
}

// Duration parses one of the config's duration strings; empty means
// zero (take the component's default).
func Duration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func unmarshalFlexible(data []byte, cfg *Config) error {
	// Try YAML first, fall back to JSON.
	yerr := yaml.Unmarshal(data, cfg)
	if yerr == nil {
		return nil
	}
	if jerr := json.Unmarshal(data, cfg); jerr == nil {
		return nil
	}
	return fmt.Errorf("parse config (tried YAML and JSON): %w", yerr)
}
