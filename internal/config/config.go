// Package config defines all configuration for the signal executor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BOT_* environment variables. Every key
// has a default, so an env-only deployment needs no file at all.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Venue   VenueConfig   `mapstructure:"venue"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Trading TradingConfig `mapstructure:"trading"`
	Entry   EntryConfig   `mapstructure:"entry"`
	Exits   ExitsConfig   `mapstructure:"exits"`
	Timing  TimingConfig  `mapstructure:"timing"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Export  ExportConfig  `mapstructure:"export"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VenueConfig holds exchange credentials and account selection.
type VenueConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	Testnet     bool   `mapstructure:"testnet"`
	Demo        bool   `mapstructure:"demo"` // paper trading on live market data
	RecvWindow  string `mapstructure:"recv_window"`
	Category    string `mapstructure:"category"` // linear | inverse | spot
	AccountType string `mapstructure:"account_type"`
}

// ChatConfig holds the signal channel credentials.
type ChatConfig struct {
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
}

// TradingConfig sets the risk model and global caps.
//
//   - RiskPct:   percent of equity used as margin per trade.
//   - Leverage:  position leverage; notional = margin × leverage.
//   - MaxSignalLagSec: signals older than this are stale and skipped.
type TradingConfig struct {
	QuoteAsset          string  `mapstructure:"quote_asset"`
	Leverage            int     `mapstructure:"leverage"`
	RiskPct             float64 `mapstructure:"risk_pct"`
	MaxConcurrentTrades int     `mapstructure:"max_concurrent_trades"`
	MaxTradesPerDay     int     `mapstructure:"max_trades_per_day"`
	MaxSignalLagSec     int     `mapstructure:"max_signal_lag_sec"`
	DedupAcrossDays     bool    `mapstructure:"dedup_across_days"`
}

// EntryConfig tunes conditional-entry arming.
//
//   - TooFarPct: reject when price already moved this % past the trigger.
//   - TriggerBufferPct: arm the trigger slightly before the signalled level.
//   - LimitPriceOffsetPct: offset the limit past the trigger to improve
//     fill odds once triggered.
//   - ExpirationPricePct: tighter blown-through threshold that avoids bad
//     fills when the market has already run.
type EntryConfig struct {
	ExpirationMin       int     `mapstructure:"expiration_min"`
	TooFarPct           float64 `mapstructure:"too_far_pct"`
	TriggerBufferPct    float64 `mapstructure:"trigger_buffer_pct"`
	LimitPriceOffsetPct float64 `mapstructure:"limit_price_offset_pct"`
	ExpirationPricePct  float64 `mapstructure:"expiration_price_pct"`
}

// ExitsConfig tunes the take-profit ladder, stop management, trailing and
// DCA adds.
//
//   - TPSplits: percent of position closed per TP level; sums under 100
//     leave a runner.
//   - FallbackTPPct: TP distances from entry used when a signal has none.
//   - DCAQtyMults: add-order sizes as multiples of base qty.
type ExitsConfig struct {
	InitialSLPct     float64   `mapstructure:"initial_sl_pct"`
	MoveSLToBEOnTP1  bool      `mapstructure:"move_sl_to_be_on_tp1"`
	TPSplits         []float64 `mapstructure:"tp_splits"`
	FallbackTPPct    []float64 `mapstructure:"fallback_tp_pct"`
	TrailAfterTPIdx  int       `mapstructure:"trail_after_tp_index"`
	TrailDistancePct float64   `mapstructure:"trail_distance_pct"`
	TrailActivateTP  bool      `mapstructure:"trail_activate_on_tp"`
	DCAQtyMults      []float64 `mapstructure:"dca_qty_mults"`
}

// TimingConfig sets the supervisor cadences.
type TimingConfig struct {
	PollSeconds           int `mapstructure:"poll_seconds"`
	PollJitterMax         int `mapstructure:"poll_jitter_max"`
	SignalUpdateIntervalS int `mapstructure:"signal_update_interval_sec"`
}

// AlertsConfig enables the optional Telegram sink when both token and chat
// id are set.
type AlertsConfig struct {
	TelegramBotToken        string    `mapstructure:"telegram_bot_token"`
	TelegramChatID          string    `mapstructure:"telegram_chat_id"`
	PositionAlertThresholds []float64 `mapstructure:"position_alert_thresholds"`
}

// ExportConfig enables the optional MySQL trade recorder when a DSN is set.
type ExportConfig struct {
	MySQLDSN string `mapstructure:"mysql_dsn"`
	BotID    string `mapstructure:"bot_id"`
}

// StoreConfig sets where the ledger document is persisted.
type StoreConfig struct {
	StateFile string `mapstructure:"state_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("venue.recv_window", "5000")
	v.SetDefault("venue.category", "linear")
	v.SetDefault("venue.account_type", "UNIFIED")
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.leverage", 5)
	v.SetDefault("trading.risk_pct", 5.0)
	v.SetDefault("trading.max_concurrent_trades", 3)
	v.SetDefault("trading.max_trades_per_day", 20)
	v.SetDefault("trading.max_signal_lag_sec", 300)
	v.SetDefault("trading.dedup_across_days", true)
	v.SetDefault("entry.expiration_min", 180)
	v.SetDefault("entry.too_far_pct", 0.5)
	v.SetDefault("entry.trigger_buffer_pct", 0.0)
	v.SetDefault("entry.limit_price_offset_pct", 0.0)
	v.SetDefault("entry.expiration_price_pct", 0.6)
	v.SetDefault("exits.initial_sl_pct", 19.0)
	v.SetDefault("exits.move_sl_to_be_on_tp1", true)
	v.SetDefault("exits.tp_splits", []float64{30, 30, 30})
	v.SetDefault("exits.fallback_tp_pct", []float64{0.85, 1.65, 4.0})
	v.SetDefault("exits.trail_after_tp_index", 3)
	v.SetDefault("exits.trail_distance_pct", 2.0)
	v.SetDefault("exits.trail_activate_on_tp", true)
	v.SetDefault("exits.dca_qty_mults", []float64{1.5, 2.25})
	v.SetDefault("timing.poll_seconds", 15)
	v.SetDefault("timing.poll_jitter_max", 5)
	v.SetDefault("timing.signal_update_interval_sec", 60)
	v.SetDefault("alerts.position_alert_thresholds", []float64{25, 35, 50})
	v.SetDefault("export.bot_id", "ao")
	v.SetDefault("store.state_file", "state.json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from an optional YAML file with env var overrides.
// Sensitive fields use env vars: BOT_CHAT_TOKEN, BOT_CHAT_CHANNEL_ID,
// BOT_VENUE_API_KEY, BOT_VENUE_API_SECRET, BOT_ALERTS_TELEGRAM_BOT_TOKEN,
// BOT_EXPORT_MYSQL_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// AutomaticEnv does not reach into nested keys that are absent from the
	// file, so secrets are picked up explicitly.
	if s := os.Getenv("BOT_CHAT_TOKEN"); s != "" {
		cfg.Chat.Token = s
	}
	if s := os.Getenv("BOT_CHAT_CHANNEL_ID"); s != "" {
		cfg.Chat.ChannelID = s
	}
	if s := os.Getenv("BOT_VENUE_API_KEY"); s != "" {
		cfg.Venue.APIKey = s
	}
	if s := os.Getenv("BOT_VENUE_API_SECRET"); s != "" {
		cfg.Venue.APISecret = s
	}
	if s := os.Getenv("BOT_ALERTS_TELEGRAM_BOT_TOKEN"); s != "" {
		cfg.Alerts.TelegramBotToken = s
	}
	if s := os.Getenv("BOT_ALERTS_TELEGRAM_CHAT_ID"); s != "" {
		cfg.Alerts.TelegramChatID = s
	}
	if s := os.Getenv("BOT_EXPORT_MYSQL_DSN"); s != "" {
		cfg.Export.MySQLDSN = s
	}
	switch os.Getenv("BOT_DRY_RUN") {
	case "true", "1":
		cfg.DryRun = true
	case "false", "0":
		cfg.DryRun = false
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize fixes user-error ranges that have a sane interpretation.
func (c *Config) normalize() {
	// TP splits over 100% get scaled down; under 100% deliberately leaves
	// a runner, so no scaling up.
	sum := 0.0
	for _, s := range c.Exits.TPSplits {
		sum += s
	}
	if sum > 100.0 {
		for i := range c.Exits.TPSplits {
			c.Exits.TPSplits[i] = c.Exits.TPSplits[i] * 100.0 / sum
		}
	}
	c.Trading.QuoteAsset = strings.ToUpper(c.Trading.QuoteAsset)
}

// Validate checks required fields and value ranges. Missing credentials are
// fatal at start time; venue credentials are waived in dry-run mode.
func (c *Config) Validate() error {
	if c.Chat.Token == "" {
		return fmt.Errorf("chat.token is required (set BOT_CHAT_TOKEN)")
	}
	if c.Chat.ChannelID == "" {
		return fmt.Errorf("chat.channel_id is required (set BOT_CHAT_CHANNEL_ID)")
	}
	if !c.DryRun && (c.Venue.APIKey == "" || c.Venue.APISecret == "") {
		return fmt.Errorf("venue.api_key and venue.api_secret are required (set BOT_VENUE_API_KEY / BOT_VENUE_API_SECRET)")
	}
	switch c.Venue.Category {
	case "linear", "inverse", "spot":
	default:
		return fmt.Errorf("venue.category must be one of: linear, inverse, spot")
	}
	if c.Trading.Leverage < 1 {
		return fmt.Errorf("trading.leverage must be >= 1")
	}
	if c.Trading.RiskPct <= 0 {
		return fmt.Errorf("trading.risk_pct must be > 0")
	}
	if c.Trading.MaxConcurrentTrades < 1 {
		return fmt.Errorf("trading.max_concurrent_trades must be >= 1")
	}
	if c.Trading.MaxTradesPerDay < 1 {
		return fmt.Errorf("trading.max_trades_per_day must be >= 1")
	}
	if c.Timing.PollSeconds < 1 {
		return fmt.Errorf("timing.poll_seconds must be >= 1")
	}
	if len(c.Exits.TPSplits) == 0 {
		return fmt.Errorf("exits.tp_splits must not be empty")
	}
	return nil
}
