// Package engine is the trading kernel. It runs three cooperative loops
// against the shared market-state cache:
//
//	L1 market-data      pulls chains/spot/VIX, publishes snapshots
//	L2 signal-trading   fans strategies out over one snapshot, scores,
//	                    asks risk, submits entries
//	L3 risk-monitoring  marks positions, evaluates exits, watches the
//	                    circuit-breaker conditions
//
// Loops are supervised: a crashed loop restarts with exponential backoff,
// and repeated risk-monitoring crashes latch the circuit breaker, since an
// unmonitored book must not keep trading.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"indiaoptions-bot/internal/clock"
	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/events"
	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/internal/orders"
	"indiaoptions-bot/internal/positions"
	"indiaoptions-bot/internal/risk"
	"indiaoptions-bot/internal/scoring"
	"indiaoptions-bot/internal/strategy"
	"indiaoptions-bot/pkg/types"
)

const (
	recentSignalCap = 100
	highVolRefresh  = 20 * time.Second
	pnlEmitEvery    = 5 * time.Second

	// Setting key holding the persisted breaker latch.
	breakerSettingKey = "circuit_breaker"

	// Consecutive monitoring-loop crashes before the breaker latches.
	maxL3Failures = 5
)

// MarketData is the REST surface the market-data loop pulls from.
type MarketData interface {
	GetOptionChain(ctx context.Context, symbol, expiry string) ([]types.OptionLeg, float64, error)
	GetVIX(ctx context.Context) (float64, error)
}

// Executor is the slice of the order manager the kernel drives.
type Executor interface {
	Open(ctx context.Context, sig types.Signal, qty int, entry orders.EntryContext) (*types.Position, error)
	Close(ctx context.Context, pos *types.Position, qty int, reason types.ExitReason) (float64, error)
	Mode() types.TradingMode
	SetMode(mode types.TradingMode)
}

// Feed is the push-feed subscription surface (nil when no feed is wired).
type Feed interface {
	Subscribe(keys ...string) error
	Unsubscribe(keys ...string) error
}

// Persister is the slice of the storage layer the kernel writes through.
type Persister interface {
	SavePosition(p types.Position) error
	LoadOpenPositions() ([]types.Position, error)
	SaveTrade(t types.Trade) error
	RecordDailyTrade(day time.Time, grossPnL, netPnL float64) error
	RecordStrategySignal(day time.Time, strategyID string, executed bool) error
	RecordStrategyTrade(day time.Time, strategyID string, netPnL float64) error
	SaveChainSnapshot(chain *types.OptionChain) error
	SetSetting(key, value string) error
	GetSetting(key string) (string, bool, error)
	UpsertCapital(day time.Time, starting, current, dailyPnL float64) error
}

// Deps carries everything the kernel is wired to.
type Deps struct {
	Config   config.Config
	Clock    clock.Clock
	Cache    *marketstate.Cache
	Bus      *events.Bus
	Registry *strategy.Registry
	Risk     *risk.Manager
	Tracker  *positions.Tracker
	Orders   Executor
	Market   MarketData
	Feed     Feed              // optional
	Ticks    <-chan types.Tick // optional
	Store    Persister
	Model    scoring.Model // nil = pass-through scoring
	Logger   *slog.Logger
}

// Engine owns the loop goroutines and the operator control surface.
type Engine struct {
	logger   *slog.Logger
	clk      clock.Clock
	cache    *marketstate.Cache
	bus      *events.Bus
	registry *strategy.Registry
	riskMgr  *risk.Manager
	breaker  *risk.Breaker
	tracker  *positions.Tracker
	reversal *positions.ReversalDetector
	orders   Executor
	md       MarketData
	feed     Feed
	ticks    <-chan types.Tick
	store    Persister
	ring     *signalRing
	series   map[string]*marketstate.SpotSeries

	mu          sync.Mutex
	cfg         config.Config
	model       scoring.Model
	scorer      *scoring.Scorer
	pending     *config.Config
	prevRegime  map[string]types.MarketRegime
	lastPnLEmit time.Time

	running   atomic.Bool
	paused    atomic.Bool
	squareOff atomic.Bool // emergency square-off requested

	cancelAll context.CancelFunc
	cancelL2  context.CancelFunc
	wg        sync.WaitGroup
	wgL2      sync.WaitGroup

	cron *cron.Cron
}

func New(d Deps) *Engine {
	series := make(map[string]*marketstate.SpotSeries, len(d.Config.Trading.Underlyings))
	for _, sym := range d.Config.Trading.Underlyings {
		series[sym] = marketstate.NewSpotSeries(sym)
	}
	return &Engine{
		logger:     d.Logger.With("component", "engine"),
		clk:        d.Clock,
		cache:      d.Cache,
		bus:        d.Bus,
		registry:   d.Registry,
		riskMgr:    d.Risk,
		breaker:    d.Risk.Breaker(),
		tracker:    d.Tracker,
		reversal:   positions.NewReversalDetector(),
		orders:     d.Orders,
		md:         d.Market,
		feed:       d.Feed,
		ticks:      d.Ticks,
		store:      d.Store,
		ring:       newSignalRing(recentSignalCap),
		series:     series,
		cfg:        d.Config,
		model:      d.Model,
		scorer:     newScorer(d.Model, d.Config.Scoring),
		prevRegime: make(map[string]types.MarketRegime),
	}
}

// Start restores persisted state and launches the loops. It returns
// immediately; Stop shuts everything down.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.restore(); err != nil {
		return err
	}

	allCtx, cancelAll := context.WithCancel(ctx)
	l2Ctx, cancelL2 := context.WithCancel(allCtx)
	e.cancelAll = cancelAll
	e.cancelL2 = cancelL2
	e.running.Store(true)

	if err := e.breaker.StartDailyReset(); err != nil {
		cancelAll()
		return err
	}

	// Post-close snapshot: persist the day's capital line and publish the
	// summary once the forced square-off has settled.
	e.cron = cron.New(cron.WithLocation(clock.IST))
	if _, err := e.cron.AddFunc("35 15 * * 1-5", e.eodSnapshot); err != nil {
		cancelAll()
		return err
	}
	e.cron.Start()

	e.supervise(allCtx, &e.wg, "market_data", e.l1Loop, nil)
	e.supervise(l2Ctx, &e.wgL2, "signal_trading", e.l2Loop, nil)
	e.supervise(allCtx, &e.wg, "risk_monitoring", e.l3Loop, func(consecutive int) {
		if consecutive >= maxL3Failures {
			e.breaker.Trip(risk.ReasonLoopFailure, "risk-monitoring loop failing repeatedly")
		}
	})

	if e.ticks != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tickPump(allCtx)
		}()
	}

	e.bus.Publish(events.KindSystemStatus, map[string]any{"status": "started", "mode": e.orders.Mode()})
	e.logger.Info("engine started", "mode", e.orders.Mode(), "underlyings", e.cfg.Trading.Underlyings)
	return nil
}

// Stop shuts down in order: the signal loop first so no new entries race
// the shutdown, then monitoring and market data once it has drained.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.logger.Info("engine stopping")

	e.cancelL2()
	e.wgL2.Wait()

	e.cancelAll()
	e.wg.Wait()

	if e.cron != nil {
		e.cron.Stop()
	}
	e.breaker.StopDailyReset()
	e.bus.Publish(events.KindSystemStatus, map[string]any{"status": "stopped"})
	e.logger.Info("engine stopped")
}

// restore reloads open positions and the breaker latch from storage after a
// restart. Position entries re-reserve their risk buckets so the capital
// invariants hold from the first cycle.
func (e *Engine) restore() error {
	open, err := e.store.LoadOpenPositions()
	if err != nil {
		return err
	}
	for i := range open {
		p := open[i]
		e.tracker.Add(&p)
		e.cache.Track(p.InstrumentKey)
		e.riskMgr.RecordEntry(p.StrategyID, p.EntryPrice*float64(p.Quantity))
		if e.feed != nil {
			if err := e.feed.Subscribe(p.InstrumentKey); err != nil {
				e.logger.Warn("restore: feed subscribe failed", "instrument", p.InstrumentKey, "error", err)
			}
		}
	}
	if len(open) > 0 {
		e.logger.Info("restored open positions", "count", len(open))
	}

	raw, ok, err := e.store.GetSetting(breakerSettingKey)
	if err != nil {
		return err
	}
	if ok {
		var st risk.BreakerState
		if err := unmarshalState(raw, &st); err != nil {
			e.logger.Warn("discarding unreadable breaker latch", "error", err)
		} else if st.Open {
			e.breaker.Restore(st)
			e.logger.Warn("breaker latch restored", "reasons", st.Reasons)
		}
	}
	return nil
}

// supervise runs fn in a goroutine, restarting it with exponential backoff
// (1s doubling to 60s) when it returns an error or panics. A run that holds
// for over a minute resets the backoff and failure count.
func (e *Engine) supervise(ctx context.Context, wg *sync.WaitGroup, name string,
	fn func(ctx context.Context) error, onFailure func(consecutive int)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		backoff := time.Second
		failures := 0
		for {
			started := time.Now()
			err := runRecovered(ctx, fn)
			if ctx.Err() != nil {
				return
			}

			if time.Since(started) > time.Minute {
				backoff = time.Second
				failures = 0
			}
			failures++
			e.logger.Error("loop crashed, restarting",
				"loop", name, "error", err, "backoff", backoff, "consecutive", failures)
			if onFailure != nil {
				onFailure(failures)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 60*time.Second {
				backoff *= 2
				if backoff > 60*time.Second {
					backoff = 60 * time.Second
				}
			}
		}
	}()
}

func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx)
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func unmarshalState(raw string, st *risk.BreakerState) error {
	return json.Unmarshal([]byte(raw), st)
}

func newScorer(model scoring.Model, sc config.ScoringConfig) *scoring.Scorer {
	return scoring.New(model, scoring.Thresholds{
		MinMLScore:          sc.MinMLScore,
		MinStrategyStrength: sc.MinStrategyStrength,
	})
}

// tickPump routes push ticks into the cache tick table and the open
// positions.
func (e *Engine) tickPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-e.ticks:
			if !ok {
				return
			}
			if e.cache.ApplyTick(tick) {
				e.tracker.ApplyTick(tick)
			}
		}
	}
}

func (e *Engine) tradingConfig() config.TradingConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Trading
}

func (e *Engine) riskConfig() config.RiskConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Risk
}

func (e *Engine) currentScorer() *scoring.Scorer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scorer
}
