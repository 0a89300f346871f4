// Package risk enforces the account-level trading limits: admission gating,
// position sizing against the stop distance, per-strategy capital buckets,
// daily counters, and the circuit-breaker latch.
//
// Risk state is mutated only from the signal loop (on admission) and the
// monitoring loop (on close), both under one mutex; critical sections stay
// short. All strategy names are normalised to canonical ids at this
// boundary, so the allocation buckets cannot fragment across name variants.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"indiaoptions-bot/internal/clock"
	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/strategy"
	"indiaoptions-bot/pkg/types"
)

// Rejection reasons carried on Decision.
const (
	RejectBreakerOpen   = "circuit_breaker_open"
	RejectMarketHours   = "outside_market_hours"
	RejectEODWindow     = "inside_eod_window"
	RejectDailyLoss     = "daily_loss_gate"
	RejectTradeCount    = "daily_trade_cap"
	RejectPositionCount = "max_positions"
	RejectCapitalCap    = "capital_cap"
	RejectStrategyCap   = "per_strategy_cap"
	RejectOverride      = "override_active"
)

// Decision is the explicit admission result: no errors, no exceptions.
type Decision struct {
	Admit  bool
	Reason string
}

func admit() Decision               { return Decision{Admit: true} }
func reject(reason string) Decision { return Decision{Reason: reason} }

// Aggressive-mode sizing bounds.
const (
	aggressiveBoost   = 1.5
	aggressiveMLFloor = 0.7
	riskFractionCap   = 0.03
)

// Snapshot is the dashboard view of the risk state.
type Snapshot struct {
	StartingCapital   float64            `json:"starting_capital"`
	CurrentCapital    float64            `json:"current_capital"`
	DailyPnL          float64            `json:"daily_pnl"`
	DailyTrades       int                `json:"daily_trades"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	CapitalInUse      float64            `json:"capital_in_use"`
	PerStrategyInUse  map[string]float64 `json:"per_strategy_in_use"`
	OverrideActive    bool               `json:"override_active"`
	Breaker           BreakerState       `json:"breaker"`
}

// Manager owns the mutable risk state and the admission/sizing logic.
type Manager struct {
	logger  *slog.Logger
	breaker *Breaker

	mu                sync.Mutex
	cfg               config.RiskConfig
	eodCutoff         int // minutes past midnight IST
	currentCapital    float64
	dailyPnL          float64
	dailyTrades       int
	consecutiveLosses int
	inUse             map[string]float64 // canonical id → entry notional of OPEN positions
	totalInUse        float64
	overrideActive    bool
}

// NewManager wires the risk state to its breaker. eodCutoff comes from
// trading config (minutes past midnight IST).
func NewManager(cfg config.RiskConfig, eodCutoff int, breaker *Breaker, logger *slog.Logger) *Manager {
	return &Manager{
		logger:         logger.With("component", "risk"),
		breaker:        breaker,
		cfg:            cfg,
		eodCutoff:      eodCutoff,
		currentCapital: cfg.StartingCapital,
		inUse:          make(map[string]float64),
	}
}

// Breaker exposes the latch for the kernel and control surface.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// CanTakeTrade gates one scored signal. openPositions is the current OPEN
// count from the tracker. The capital checks use one lot as the minimum
// viable entry; SizePosition applies the exact caps afterwards.
func (m *Manager) CanTakeTrade(sig types.Signal, openPositions int, now time.Time) Decision {
	if m.breaker.IsOpen() {
		return reject(RejectBreakerOpen)
	}
	if !clock.IsMarketHours(now) {
		return reject(RejectMarketHours)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if clock.ShouldForceEODExit(now, m.eodCutoff) {
		return reject(RejectEODWindow)
	}
	if m.overrideActive {
		return reject(RejectOverride)
	}
	if m.dailyLossBreachedLocked() {
		return reject(RejectDailyLoss)
	}
	if m.dailyTrades >= m.cfg.MaxTradesPerDay {
		return reject(RejectTradeCount)
	}
	if openPositions >= m.cfg.MaxPositions {
		return reject(RejectPositionCount)
	}

	minNotional := sig.EntryPrice * float64(types.LotSize(sig.Symbol))
	if m.totalInUse+minNotional > m.cfg.StartingCapital*m.cfg.MaxCapitalFraction {
		return reject(RejectCapitalCap)
	}
	id := strategy.Normalise(sig.StrategyID)
	if m.inUse[id]+minNotional > m.cfg.StartingCapital*strategy.Allocation(id) {
		return reject(RejectStrategyCap)
	}
	return admit()
}

// SizePosition returns the quantity for an admitted signal: a positive
// multiple of the lot size, or 0 when no size fits the caps.
//
// Base sizing risks per_trade_risk_pct of starting capital against the stop
// distance. Aggressive mode with ml_probability above 0.7 boosts the risk
// fraction 1.5x, hard-capped at 3% of capital.
func (m *Manager) SizePosition(sig types.Signal) int {
	stopDist := sig.EntryPrice - sig.StopLoss
	if stopDist <= 0 || sig.EntryPrice <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	frac := m.cfg.PerTradeRiskPct / 100
	if m.cfg.AggressiveMode && sig.MLProbability > aggressiveMLFloor {
		frac *= aggressiveBoost
		if frac > riskFractionCap {
			frac = riskFractionCap
		}
	}
	maxRisk := m.cfg.StartingCapital * frac

	lot := types.LotSize(sig.Symbol)
	qty := int(math.Floor(maxRisk/stopDist/float64(lot))) * lot
	if qty <= 0 {
		return 0
	}

	// Shrink in lot steps until the entry notional fits both the aggregate
	// and per-strategy capital caps.
	id := strategy.Normalise(sig.StrategyID)
	capTotal := m.cfg.StartingCapital*m.cfg.MaxCapitalFraction - m.totalInUse
	capStrategy := m.cfg.StartingCapital*strategy.Allocation(id) - m.inUse[id]
	for qty > 0 {
		notional := sig.EntryPrice * float64(qty)
		if notional <= capTotal && notional <= capStrategy {
			break
		}
		qty -= lot
	}
	return qty
}

// RecordEntry reserves capital for a freshly opened position and counts the
// trade against the daily cap.
func (m *Manager) RecordEntry(strategyID string, entryNotional float64) {
	id := strategy.Normalise(strategyID)
	m.mu.Lock()
	m.inUse[id] += entryNotional
	m.totalInUse += entryNotional
	m.dailyTrades++
	m.mu.Unlock()
}

// ReleaseEntry frees reserved capital for the closed part of a position.
func (m *Manager) ReleaseEntry(strategyID string, entryNotional float64) {
	id := strategy.Normalise(strategyID)
	m.mu.Lock()
	m.inUse[id] -= entryNotional
	if m.inUse[id] < 0 {
		m.inUse[id] = 0
	}
	m.totalInUse -= entryNotional
	if m.totalInUse < 0 {
		m.totalInUse = 0
	}
	m.mu.Unlock()
}

// RecordTrade folds a closed trade into daily P&L and capital, then checks
// the daily-loss breaker trigger. Uses net (post-fee) P&L.
func (m *Manager) RecordTrade(trade types.Trade) {
	m.mu.Lock()
	m.dailyPnL += trade.NetPnL
	m.currentCapital += trade.NetPnL
	if trade.NetPnL < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}
	breached := m.dailyLossBreachedLocked()
	dailyPnL := m.dailyPnL
	m.mu.Unlock()

	if breached {
		m.breaker.Trip(ReasonDailyLoss, fmt.Sprintf("daily net P&L %.2f", dailyPnL))
	}
}

func (m *Manager) dailyLossBreachedLocked() bool {
	limit := m.cfg.StartingCapital * m.cfg.MaxDailyLossPct / 100
	return m.dailyPnL <= -limit
}

// ShouldExitEOD reports whether the forced square-off window has begun.
func (m *Manager) ShouldExitEOD(now time.Time) bool {
	m.mu.Lock()
	cutoff := m.eodCutoff
	m.mu.Unlock()
	return clock.ShouldForceEODExit(now, cutoff)
}

// SetOverride toggles the manual trading override (pause admissions without
// tripping the breaker).
func (m *Manager) SetOverride(active bool) {
	m.mu.Lock()
	m.overrideActive = active
	m.mu.Unlock()
}

// UpdateConfig swaps in validated settings atomically (next-cycle
// semantics are enforced by the caller invoking this between L2 cycles).
func (m *Manager) UpdateConfig(cfg config.RiskConfig, eodCutoff int) {
	m.mu.Lock()
	m.cfg = cfg
	m.eodCutoff = eodCutoff
	m.mu.Unlock()
}

// ResetDaily clears the daily counters; wired to the breaker's pre-open
// reset.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.dailyPnL = 0
	m.dailyTrades = 0
	m.consecutiveLosses = 0
	m.mu.Unlock()
	m.logger.Info("daily risk counters reset")
}

// Snapshot returns a consistent copy of the risk state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	perStrategy := make(map[string]float64, len(m.inUse))
	for k, v := range m.inUse {
		perStrategy[k] = v
	}
	return Snapshot{
		StartingCapital:   m.cfg.StartingCapital,
		CurrentCapital:    m.currentCapital,
		DailyPnL:          m.dailyPnL,
		DailyTrades:       m.dailyTrades,
		ConsecutiveLosses: m.consecutiveLosses,
		CapitalInUse:      m.totalInUse,
		PerStrategyInUse:  perStrategy,
		OverrideActive:    m.overrideActive,
		Breaker:           m.breaker.State(),
	}
}
