// Package config defines all configuration for the trading core. Config is
// loaded from a YAML file with sensitive fields overridable via TRADER_*
// environment variables, following the teacher's viper wiring.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"algotrader/model"
)

// Mode selects which positioner backs open/close actions.
type Mode string

const (
	Backtest Mode = "BACKTEST"
	Paper    Mode = "PAPER"
	Live     Mode = "LIVE"
)

// ExchangeConfig names the venue adapter and its credentials.
type ExchangeConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	WSMarket string `mapstructure:"ws_market"`
	WSUser  string `mapstructure:"ws_user"`
	APIKey  string `mapstructure:"api_key"`
	Secret  string `mapstructure:"secret"`
}

// ProtectionConfig configures a symbol's stop-loss/take-profit pair.
type ProtectionConfig struct {
	UpsidePct       string `mapstructure:"upside_pct"`
	DownsidePct     string `mapstructure:"downside_pct"`
	TrailingEnabled bool   `mapstructure:"trailing_enabled"`
}

// CustodianConfig selects and configures the fund-reservation strategy.
type CustodianConfig struct {
	Kind            string `mapstructure:"kind"` // "stub" | "spot" | "savings"
	Account         string `mapstructure:"account"`
	SavingsProduct  string `mapstructure:"savings_product"`
}

// RepickConfig mirrors strategy.RepickConfig in string/YAML-friendly form.
type RepickConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	TopN          int      `mapstructure:"top_n"`
	Exclude       []string `mapstructure:"exclude"`
	RequiredStart string   `mapstructure:"required_start"` // RFC3339, empty disables
	ScanInterval  string   `mapstructure:"scan_interval"`  // duration grammar, e.g. "1h"
}

// RiskConfig maps directly onto risk.Config, string fields parsed to decimal.
type RiskConfig struct {
	MaxPositionPerMarket string `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    string `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int    `mapstructure:"max_markets_active"`
	KillSwitchDropPct    string `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindow     string `mapstructure:"kill_switch_window"`
	MaxDailyLoss         string `mapstructure:"max_daily_loss"`
	CooldownAfterKill    string `mapstructure:"cooldown_after_kill"`
}

// BasicConfig configures a single-symbol trader (strategy.Basic).
type BasicConfig struct {
	DryRun        bool             `mapstructure:"dry_run"`
	Mode          Mode             `mapstructure:"mode"`
	Exchange      ExchangeConfig   `mapstructure:"exchange"`
	Symbol        string           `mapstructure:"symbol"`
	Interval      string           `mapstructure:"interval"`
	Start         string           `mapstructure:"start"` // RFC3339
	End           string           `mapstructure:"end"`
	Quote         string           `mapstructure:"quote"` // allocated quote notional
	StrategyName  string           `mapstructure:"strategy_name"`
	StopLoss      ProtectionConfig `mapstructure:"stop_loss"`
	TakeProfit    ProtectionConfig `mapstructure:"take_profit"`
	MissedCandle  string           `mapstructure:"missed_candle_policy"` // IGNORE|RESTART|LAST
	AdjustedStart string           `mapstructure:"adjusted_start"`       // RFC3339 | empty; "strategy" is rejected by ParseTimestamp
	Long          bool             `mapstructure:"long"`
	Short         bool             `mapstructure:"short"`
	CloseOnExit   bool             `mapstructure:"close_on_exit"`
	Custodian     CustodianConfig  `mapstructure:"custodian"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Store         StoreConfig      `mapstructure:"store"`
}

// MultiConfig configures the multi-symbol trader (strategy.Multi).
type MultiConfig struct {
	DryRun          bool             `mapstructure:"dry_run"`
	Mode            Mode             `mapstructure:"mode"`
	Exchange        ExchangeConfig   `mapstructure:"exchange"`
	Symbols         []string         `mapstructure:"symbols"`
	Interval        string           `mapstructure:"interval"`
	Start           string           `mapstructure:"start"`
	End             string           `mapstructure:"end"`
	Quote           string           `mapstructure:"quote"` // total allocatable quote
	StrategyName    string           `mapstructure:"strategy_name"`
	StopLoss        ProtectionConfig `mapstructure:"stop_loss"`
	TakeProfit      ProtectionConfig `mapstructure:"take_profit"`
	MissedCandle    string           `mapstructure:"missed_candle_policy"`
	AdjustedStart   string           `mapstructure:"adjusted_start"`
	Long            bool             `mapstructure:"long"`
	Short           bool             `mapstructure:"short"`
	CloseOnExit     bool             `mapstructure:"close_on_exit"`
	PositionCount   int              `mapstructure:"position_count"`
	AllowedAgeDrift int              `mapstructure:"allowed_age_drift"`
	RebalancePct    string           `mapstructure:"rebalance_threshold_pct"`
	Repick          RepickConfig     `mapstructure:"repick"`
	Track           []string         `mapstructure:"track"`
	TrackExclude    []string         `mapstructure:"track_exclude"`
	Risk            RiskConfig       `mapstructure:"risk"`
	Custodian       CustodianConfig  `mapstructure:"custodian"`
	Logging         LoggingConfig    `mapstructure:"logging"`
	Store           StoreConfig      `mapstructure:"store"`
}

// StoreConfig sets where resume state/history is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig configures the slog handler (§10).
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" | "text"
}

// LoadBasic reads a Basic trader config from path with TRADER_* env overrides.
func LoadBasic(path string) (*BasicConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg BasicConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyExchangeEnvOverrides(&cfg.Exchange)
	return &cfg, nil
}

// LoadMulti reads a Multi trader config from path with TRADER_* env overrides.
func LoadMulti(path string) (*MultiConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg MultiConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyExchangeEnvOverrides(&cfg.Exchange)
	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func applyExchangeEnvOverrides(cfg *ExchangeConfig) {
	if key := os.Getenv("TRADER_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if secret := os.Getenv("TRADER_API_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// ValidateBasic checks required fields and value ranges.
func ValidateBasic(cfg *BasicConfig) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if cfg.Interval == "" {
		return fmt.Errorf("config: interval is required")
	}
	if _, err := decimal.NewFromString(orDefault(cfg.Quote, "0")); err != nil {
		return fmt.Errorf("config: quote must be a decimal: %w", err)
	}
	if !cfg.Long && !cfg.Short {
		return fmt.Errorf("config: at least one of long/short must be enabled")
	}
	return nil
}

// ValidateMulti checks required fields and value ranges.
func ValidateMulti(cfg *MultiConfig) error {
	if len(cfg.Symbols) == 0 && !cfg.Repick.Enabled {
		return fmt.Errorf("config: symbols is required unless repick is enabled")
	}
	if cfg.Interval == "" {
		return fmt.Errorf("config: interval is required")
	}
	if cfg.PositionCount <= 0 {
		return fmt.Errorf("config: position_count must be > 0")
	}
	if !cfg.Long && !cfg.Short {
		return fmt.Errorf("config: at least one of long/short must be enabled")
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ParseTimestamp parses an RFC3339 timestamp string into a model.Timestamp,
// returning 0 for an empty string.
func ParseTimestamp(s string) (model.Timestamp, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid timestamp %q: %w", s, err)
	}
	return model.Timestamp(uint64(t.UnixMilli())), nil
}

// ParseDecimal parses a decimal string, defaulting to zero for an empty one.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
