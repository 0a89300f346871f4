package engine

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/internal/events"
	"indiaoptions-bot/internal/positions"
	"indiaoptions-bot/internal/risk"
	"indiaoptions-bot/pkg/types"
)

// ErrBadCredential rejects emergency commands with a wrong credential.
var ErrBadCredential = fmt.Errorf("invalid emergency credential")

// Status is the operator snapshot served by the dashboard.
type Status struct {
	Running       bool                   `json:"running"`
	Paused        bool                   `json:"paused"`
	Mode          types.TradingMode      `json:"mode"`
	Underlyings   []string               `json:"underlyings"`
	Risk          risk.Snapshot          `json:"risk"`
	OpenPositions []types.Position       `json:"open_positions"`
	RecentSignals []types.SignalRecord   `json:"recent_signals"`
	Snapshots     map[string]SymbolState `json:"snapshots"`
	At            time.Time              `json:"at"`
}

// SymbolState is the per-underlying slice of the status snapshot.
type SymbolState struct {
	Spot        float64            `json:"spot"`
	Expiry      string             `json:"expiry"`
	Regime      types.MarketRegime `json:"regime"`
	VIX         float64            `json:"vix"`
	PCR         float64            `json:"pcr"`
	MaxPain     float64            `json:"max_pain"`
	ATMStrike   float64            `json:"atm_strike"`
	RefreshedAt time.Time          `json:"refreshed_at"`
}

// Pause suspends new entries. Monitoring and exits keep running.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.logger.Info("trading paused")
		e.bus.Publish(events.KindSystemStatus, map[string]any{"status": "paused"})
	}
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		e.logger.Info("trading resumed")
		e.bus.Publish(events.KindSystemStatus, map[string]any{"status": "resumed"})
	}
}

// SetMode switches paper/live and re-subscribes the open book's instruments
// so push pricing continues across the switch.
func (e *Engine) SetMode(mode types.TradingMode) error {
	if mode != types.ModePaper && mode != types.ModeLive {
		return fmt.Errorf("unknown mode %q", mode)
	}
	e.orders.SetMode(mode)
	if e.feed != nil {
		if keys := e.tracker.OpenInstrumentKeys(); len(keys) > 0 {
			if err := e.feed.Subscribe(keys...); err != nil {
				e.logger.Warn("mode switch resubscribe failed", "error", err)
			}
		}
	}
	e.logger.Info("mode switched", "mode", mode)
	e.bus.Publish(events.KindSystemStatus, map[string]any{"status": "mode_changed", "mode": mode})
	return nil
}

// EmergencyStop latches the breaker sticky and requests a square-off of the
// whole book; the monitoring loop closes everything with reason CIRCUIT.
// The credential must match risk.emergency_credential.
func (e *Engine) EmergencyStop(credential string) error {
	if !e.credentialOK(credential) {
		return ErrBadCredential
	}
	e.squareOff.Store(true)
	e.breaker.Trip(risk.ReasonManual, "emergency stop")
	e.breaker.SetSticky(true)
	e.logger.Error("EMERGENCY STOP", "open_positions", e.tracker.CountOpen())
	e.bus.Alert(events.LevelCritical, "emergency stop", "square-off requested")
	return nil
}

// CloseAll immediately closes every open position with reason MANUAL.
// The credential must match risk.emergency_credential.
func (e *Engine) CloseAll(ctx context.Context, credential string) (int, error) {
	if !e.credentialOK(credential) {
		return 0, ErrBadCredential
	}
	now := e.clk.Now()
	closed := 0
	for _, pos := range e.tracker.Open() {
		order := positions.ExitOrder{
			PositionID:    pos.ID,
			InstrumentKey: pos.InstrumentKey,
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			Reason:        types.ExitManual,
			TriggerPrice:  pos.CurrentPrice,
		}
		e.finalizeExit(ctx, order, now)
		closed++
	}
	e.logger.Info("close-all executed", "positions", closed)
	return closed, nil
}

// UpdateSettings validates and stages a new configuration; it takes effect
// at the start of the next decision cycle.
func (e *Engine) UpdateSettings(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reject settings: %w", err)
	}
	e.mu.Lock()
	e.pending = &cfg
	e.mu.Unlock()
	e.logger.Info("settings staged")
	return nil
}

// ResetBreaker clears the latch (manual operator action).
func (e *Engine) ResetBreaker(credential string) error {
	if !e.credentialOK(credential) {
		return ErrBadCredential
	}
	e.squareOff.Store(false)
	e.breaker.SetSticky(false)
	e.breaker.Reset()
	return nil
}

func (e *Engine) credentialOK(credential string) bool {
	want := e.riskConfig().EmergencyCredential
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(want)) == 1
}

// RecentSignals returns the bounded recent-signals ring, newest first.
func (e *Engine) RecentSignals() []types.SignalRecord {
	return e.ring.List()
}

// Status assembles the dashboard snapshot.
func (e *Engine) Status() Status {
	now := e.clk.Now()
	tc := e.tradingConfig()

	snaps := make(map[string]SymbolState, len(tc.Underlyings))
	for _, symbol := range tc.Underlyings {
		snap, ok := e.cache.Snapshot(symbol)
		if !ok {
			continue
		}
		st := SymbolState{
			Spot:        snap.Spot,
			Expiry:      snap.Expiry,
			Regime:      snap.Regime,
			VIX:         snap.VIX,
			RefreshedAt: snap.RefreshedAt,
		}
		if snap.Chain != nil {
			st.PCR = snap.Chain.PCR
			st.MaxPain = snap.Chain.MaxPain
			st.ATMStrike = snap.Chain.ATMStrike
		}
		snaps[symbol] = st
	}

	return Status{
		Running:       e.running.Load(),
		Paused:        e.paused.Load(),
		Mode:          e.orders.Mode(),
		Underlyings:   tc.Underlyings,
		Risk:          e.riskMgr.Snapshot(),
		OpenPositions: e.tracker.Open(),
		RecentSignals: e.ring.List(),
		Snapshots:     snaps,
		At:            now,
	}
}
