// Intraday Options Trading Engine — automated trading of Indian index
// options (NIFTY, BANKNIFTY, SENSEX) over the broker REST + WebSocket APIs.
//
// Architecture:
//
//	main.go                — entry point: config, wiring, signal handling
//	engine/                — the kernel: three supervised loops (market data,
//	                         signal trading, risk monitoring) + control surface
//	strategy/              — ten signal generators over one chain snapshot
//	scoring/               — ML probability gate and composite ranking
//	risk/                  — capital limits, sizing, circuit breaker
//	positions/             — position FSM, ladder exits, reversal detector
//	orders/                — paper fills with slippage model, live order flow
//	marketstate/           — snapshot cache, tick table, spot indicators
//	broker/                — REST client, WebSocket tick feed, token source
//	storage/               — sqlite persistence (positions, trades, analytics)
//	api/                   — operator dashboard (snapshot, WebSocket, controls)
//
// The engine is long-premium only: every entry buys a CALL or PUT, exits
// run a three-rung profit ladder with stop-loss, reversal, and forced
// end-of-day square-off.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"indiaoptions-bot/internal/api"
	"indiaoptions-bot/internal/broker"
	"indiaoptions-bot/internal/clock"
	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/engine"
	"indiaoptions-bot/internal/events"
	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/internal/orders"
	"indiaoptions-bot/internal/positions"
	"indiaoptions-bot/internal/risk"
	"indiaoptions-bot/internal/scoring"
	"indiaoptions-bot/internal/storage"
	"indiaoptions-bot/internal/strategy"
	"indiaoptions-bot/pkg/types"
)

const breakerSettingKey = "circuit_breaker"

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OPT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	clk := clock.System{}
	bus := events.NewBus(logger, clock.NowIST)
	go bus.Run(ctx)

	cache := marketstate.NewCache(cfg.Trading.StaleAfter)

	// Breaker state survives restarts through the settings table; the
	// daily reset hands risk counters back to the manager below.
	var riskMgr *risk.Manager
	breaker := risk.NewBreaker(logger,
		func(st risk.BreakerState) {
			if raw, err := json.Marshal(st); err == nil {
				if err := store.SetSetting(breakerSettingKey, string(raw)); err != nil {
					logger.Error("persist breaker state", "error", err)
				}
			}
			bus.Publish(events.KindCircuitBreaker, st)
		},
		func() {
			if riskMgr != nil {
				riskMgr.ResetDaily()
			}
		},
	)
	riskMgr = risk.NewManager(cfg.Risk, cfg.Trading.EODExitHHMM, breaker, logger)

	tokens := broker.NewTokenSource(cfg.Broker.AccessToken, time.Time{}, nil, logger)
	tokens.OnWarning(func(message, detail string) {
		bus.Alert(events.LevelWarning, message, detail)
	})
	tokens.OnFailure(func(message, detail string) {
		bus.Alert(events.LevelCritical, message, detail)
		breaker.Trip(risk.ReasonAuthFailure, detail)
	})
	go tokens.Run(ctx)

	client := broker.NewClient(cfg.Broker, tokens, logger)

	feed := broker.NewTickFeed(cfg.Broker.WSFeedURL, tokens, logger)
	var ticks <-chan types.Tick
	if cfg.Broker.WSFeedURL != "" {
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("tick feed stopped", "error", err)
			}
		}()
		ticks = feed.Ticks()
	}
	defer feed.Close()

	tracker := positions.NewTracker(logger)
	registry := strategy.NewRegistry()
	ordersMgr := orders.NewManager(cfg.Mode, client, feed, cache, clk, cfg.Broker.OrderTimeout, logger)

	var model scoring.Model
	if cfg.Scoring.ModelPath != "" {
		m, err := scoring.LoadModel(cfg.Scoring.ModelPath)
		if err != nil {
			return fmt.Errorf("load scoring model: %w", err)
		}
		model = m
		logger.Info("scoring model loaded", "version", m.Version(), "path", cfg.Scoring.ModelPath)
	} else {
		logger.Info("scoring running pass-through (no model configured)")
	}

	eng := engine.New(engine.Deps{
		Config:   *cfg,
		Clock:    clk,
		Cache:    cache,
		Bus:      bus,
		Registry: registry,
		Risk:     riskMgr,
		Tracker:  tracker,
		Orders:   ordersMgr,
		Market:   client,
		Feed:     feed,
		Ticks:    ticks,
		Store:    store,
		Model:    model,
		Logger:   logger,
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, bus, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	logger.Info("options trading engine started",
		"mode", cfg.Mode,
		"underlyings", cfg.Trading.Underlyings,
		"capital", cfg.Risk.StartingCapital,
		"max_positions", cfg.Risk.MaxPositions,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	eng.Stop()
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
