// Package config defines all configuration for the options trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OPT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"indiaoptions-bot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      types.TradingMode `mapstructure:"mode"` // paper | live
	Broker    BrokerConfig      `mapstructure:"broker"`
	Trading   TradingConfig     `mapstructure:"trading"`
	Risk      RiskConfig        `mapstructure:"risk"`
	Scoring   ScoringConfig     `mapstructure:"scoring"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Dashboard DashboardConfig   `mapstructure:"dashboard"`
}

// BrokerConfig holds broker endpoints, the access token, and rate limits.
// Token refresh is proactive; see broker.TokenSource.
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSFeedURL      string        `mapstructure:"ws_feed_url"`
	AccessToken    string        `mapstructure:"access_token"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // default 5s
	OrderTimeout   time.Duration `mapstructure:"order_timeout"`   // default 10s
	QuoteRPS       float64       `mapstructure:"quote_rps"`       // token-bucket refill, default 10
	OrderRPS       float64       `mapstructure:"order_rps"`       // default 5
}

// TradingConfig tunes the three kernel loops and the tradable universe.
//
//   - Underlyings: index symbols to trade (NIFTY, BANKNIFTY, SENSEX).
//   - RefreshIntervalOpen: L1 market-data refresh while any position is open.
//   - RefreshIntervalIdle: L1 refresh while flat.
//   - DecisionInterval: L2 signal cycle cadence.
//   - MonitorInterval: L3 position-monitoring cadence.
//   - EODExitHHMM: forced square-off cutoff in minutes past midnight IST.
type TradingConfig struct {
	Underlyings         []string      `mapstructure:"underlyings"`
	RefreshIntervalOpen time.Duration `mapstructure:"refresh_interval_open"`
	RefreshIntervalIdle time.Duration `mapstructure:"refresh_interval_idle"`
	DecisionInterval    time.Duration `mapstructure:"decision_interval"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	EODExitHHMM         int           `mapstructure:"eod_exit_hhmm"`
	StaleAfter          time.Duration `mapstructure:"stale_after"` // snapshot freshness bound
}

// RiskConfig sets capital limits and circuit-breaker thresholds.
type RiskConfig struct {
	StartingCapital     float64 `mapstructure:"starting_capital"`
	MaxDailyLossPct     float64 `mapstructure:"max_daily_loss_pct"` // (0,20]
	PerTradeRiskPct     float64 `mapstructure:"per_trade_risk_pct"` // (0,10]
	MaxCapitalFraction  float64 `mapstructure:"max_capital_fraction"`
	MaxPositions        int     `mapstructure:"max_positions"`      // [1,200]
	MaxTradesPerDay     int     `mapstructure:"max_trades_per_day"` // [1,999]
	AggressiveMode      bool    `mapstructure:"aggressive_mode"`
	VIXHaltThreshold    float64 `mapstructure:"vix_halt_threshold"`
	EmergencyCredential string  `mapstructure:"emergency_credential"`
}

// ScoringConfig sets the ML gate thresholds and model location.
type ScoringConfig struct {
	MinMLScore          float64 `mapstructure:"min_ml_score"`          // [0,1]
	MinStrategyStrength float64 `mapstructure:"min_strategy_strength"` // [0,100]
	ModelPath           string  `mapstructure:"model_path"`            // empty = pass-through
}

// StorageConfig sets the sqlite database location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the operator dashboard server. With an empty
// AllowedOrigins list, WebSocket upgrades accept only same-host and
// localhost origins.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OPT_ACCESS_TOKEN, OPT_API_KEY,
// OPT_API_SECRET, OPT_EMERGENCY_CREDENTIAL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("OPT_ACCESS_TOKEN"); tok != "" {
		cfg.Broker.AccessToken = tok
	}
	if key := os.Getenv("OPT_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("OPT_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if cred := os.Getenv("OPT_EMERGENCY_CREDENTIAL"); cred != "" {
		cfg.Risk.EmergencyCredential = cred
	}
	if os.Getenv("OPT_PAPER") == "true" || os.Getenv("OPT_PAPER") == "1" {
		cfg.Mode = types.ModePaper
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModePaper))
	v.SetDefault("broker.request_timeout", 5*time.Second)
	v.SetDefault("broker.order_timeout", 10*time.Second)
	v.SetDefault("broker.quote_rps", 10.0)
	v.SetDefault("broker.order_rps", 5.0)
	v.SetDefault("trading.underlyings", []string{"NIFTY"})
	v.SetDefault("trading.refresh_interval_open", 30*time.Second)
	v.SetDefault("trading.refresh_interval_idle", 60*time.Second)
	v.SetDefault("trading.decision_interval", 30*time.Second)
	v.SetDefault("trading.monitor_interval", 2*time.Second)
	v.SetDefault("trading.eod_exit_hhmm", 15*60+29)
	v.SetDefault("trading.stale_after", 10*time.Second)
	v.SetDefault("risk.max_capital_fraction", 0.60)
	v.SetDefault("risk.vix_halt_threshold", 30.0)
	v.SetDefault("scoring.min_ml_score", 0.60)
	v.SetDefault("scoring.min_strategy_strength", 50.0)
	v.SetDefault("storage.path", "data/trading.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != types.ModePaper && c.Mode != types.ModeLive {
		return fmt.Errorf("mode must be paper or live, got %q", c.Mode)
	}
	if c.Mode == types.ModeLive && c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required in live mode (set OPT_ACCESS_TOKEN)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if len(c.Trading.Underlyings) == 0 {
		return fmt.Errorf("trading.underlyings must not be empty")
	}
	if c.Risk.StartingCapital < 10_000 {
		return fmt.Errorf("risk.starting_capital must be >= 10000, got %v", c.Risk.StartingCapital)
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 20 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0,20], got %v", c.Risk.MaxDailyLossPct)
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct > 10 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0,10], got %v", c.Risk.PerTradeRiskPct)
	}
	if c.Risk.MaxCapitalFraction <= 0 || c.Risk.MaxCapitalFraction > 1 {
		return fmt.Errorf("risk.max_capital_fraction must be in (0,1], got %v", c.Risk.MaxCapitalFraction)
	}
	if c.Risk.MaxPositions < 1 || c.Risk.MaxPositions > 200 {
		return fmt.Errorf("risk.max_positions must be in [1,200], got %d", c.Risk.MaxPositions)
	}
	if c.Risk.MaxTradesPerDay < 1 || c.Risk.MaxTradesPerDay > 999 {
		return fmt.Errorf("risk.max_trades_per_day must be in [1,999], got %d", c.Risk.MaxTradesPerDay)
	}
	if c.Scoring.MinMLScore < 0 || c.Scoring.MinMLScore > 1 {
		return fmt.Errorf("scoring.min_ml_score must be in [0,1], got %v", c.Scoring.MinMLScore)
	}
	if c.Scoring.MinStrategyStrength < 0 || c.Scoring.MinStrategyStrength > 100 {
		return fmt.Errorf("scoring.min_strategy_strength must be in [0,100], got %v", c.Scoring.MinStrategyStrength)
	}
	if c.Trading.MonitorInterval <= 0 {
		return fmt.Errorf("trading.monitor_interval must be > 0")
	}
	if c.Trading.EODExitHHMM < 9*60 || c.Trading.EODExitHHMM > 15*60+30 {
		return fmt.Errorf("trading.eod_exit_hhmm must fall inside the session, got %d", c.Trading.EODExitHHMM)
	}
	return nil
}
