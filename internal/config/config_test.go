package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"indiaoptions-bot/pkg/types"
)

const validYAML = `
mode: paper
broker:
  base_url: https://api.example.in
  ws_feed_url: wss://feed.example.in
trading:
  underlyings: [NIFTY, BANKNIFTY]
risk:
  starting_capital: 100000
  max_daily_loss_pct: 3
  per_trade_risk_pct: 2
  max_positions: 5
  max_trades_per_day: 20
scoring:
  min_ml_score: 0.6
  min_strategy_strength: 50
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Mode != types.ModePaper {
		t.Errorf("mode = %q, want paper", cfg.Mode)
	}
	if len(cfg.Trading.Underlyings) != 2 {
		t.Errorf("underlyings = %v, want 2 entries", cfg.Trading.Underlyings)
	}

	// Defaults applied for fields the file omits.
	if cfg.Trading.RefreshIntervalOpen != 30*time.Second {
		t.Errorf("refresh_interval_open = %v, want 30s", cfg.Trading.RefreshIntervalOpen)
	}
	if cfg.Trading.EODExitHHMM != 15*60+29 {
		t.Errorf("eod_exit_hhmm = %d, want 929", cfg.Trading.EODExitHHMM)
	}
	if cfg.Broker.RequestTimeout != 5*time.Second {
		t.Errorf("request_timeout = %v, want 5s", cfg.Broker.RequestTimeout)
	}
}

func TestValidateRanges(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"capital too small", func(c *Config) { c.Risk.StartingCapital = 5_000 }},
		{"daily loss zero", func(c *Config) { c.Risk.MaxDailyLossPct = 0 }},
		{"daily loss over cap", func(c *Config) { c.Risk.MaxDailyLossPct = 25 }},
		{"per-trade risk over cap", func(c *Config) { c.Risk.PerTradeRiskPct = 11 }},
		{"max positions zero", func(c *Config) { c.Risk.MaxPositions = 0 }},
		{"trades per day over cap", func(c *Config) { c.Risk.MaxTradesPerDay = 1000 }},
		{"ml score over one", func(c *Config) { c.Scoring.MinMLScore = 1.5 }},
		{"strength negative", func(c *Config) { c.Scoring.MinStrategyStrength = -1 }},
		{"bad mode", func(c *Config) { c.Mode = "backtest" }},
		{"no underlyings", func(c *Config) { c.Trading.Underlyings = nil }},
		{"eod cutoff outside session", func(c *Config) { c.Trading.EODExitHHMM = 8 * 60 }},
	}
	for _, c := range cases {
		cfg := base()
		c.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", c.name)
		}
	}
}

func TestLiveModeRequiresToken(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Mode = types.ModeLive
	cfg.Broker.AccessToken = ""
	if err := cfg.Validate(); err == nil {
		t.Error("live mode without access token should fail validation")
	}
}
