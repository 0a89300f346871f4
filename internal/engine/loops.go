package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"indiaoptions-bot/internal/clock"
	"indiaoptions-bot/internal/events"
	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/internal/orders"
	"indiaoptions-bot/internal/pnl"
	"indiaoptions-bot/internal/positions"
	"indiaoptions-bot/pkg/types"
)

// ———————————————————————————————————————————————————— L1: market data

func (e *Engine) l1Loop(ctx context.Context) error {
	timer := time.NewTimer(0) // refresh immediately on start
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			e.refreshMarketData(ctx)
			timer.Reset(e.refreshInterval())
		}
	}
}

// refreshInterval tightens the refresh cadence when volatility is elevated
// or capital is at work.
func (e *Engine) refreshInterval() time.Duration {
	tc := e.tradingConfig()
	if vix, _ := e.cache.VIX(); vix > 25 {
		return highVolRefresh
	}
	if e.tracker.CountOpen() > 0 {
		return tc.RefreshIntervalOpen
	}
	return tc.RefreshIntervalIdle
}

func (e *Engine) refreshMarketData(ctx context.Context) {
	now := e.clk.Now()

	vix, err := e.md.GetVIX(ctx)
	if err != nil {
		e.logger.Warn("vix fetch failed", "error", err)
		e.bus.Alert(events.LevelWarning, "vix fetch failed", err.Error())
	} else {
		e.cache.SetVIX(vix, now)
		e.breaker.CheckVIX(vix, e.riskConfig().VIXHaltThreshold)
	}

	for _, symbol := range e.tradingConfig().Underlyings {
		expiry := clock.CurrentWeeklyExpiry(symbol, now)
		legs, spot, err := e.md.GetOptionChain(ctx, symbol, expiry)
		if err != nil {
			e.logger.Warn("chain refresh failed", "symbol", symbol, "error", err)
			e.bus.Alert(events.LevelWarning, "chain refresh failed", symbol+": "+err.Error())
			continue
		}

		chain := marketstate.BuildChain(symbol, expiry, spot, legs, now)

		series := e.series[symbol]
		series.Observe(spot, 1, now)
		indicators := series.Compute()
		regime := marketstate.ClassifyRegime(vix, indicators.Return5m)

		e.cache.Publish(&marketstate.Snapshot{
			Symbol:      symbol,
			Spot:        spot,
			Expiry:      expiry,
			Chain:       chain,
			Indicators:  indicators,
			Regime:      regime,
			VIX:         vix,
			RefreshedAt: now,
		})

		e.mu.Lock()
		prev := e.prevRegime[symbol]
		e.prevRegime[symbol] = regime
		e.mu.Unlock()
		if prev != "" && prev != regime {
			e.bus.Publish(events.KindMarketCondition, map[string]any{
				"symbol": symbol, "from": prev, "to": regime, "vix": vix,
			})
		}

		if err := e.store.SaveChainSnapshot(chain); err != nil {
			e.logger.Warn("chain snapshot persist failed", "symbol", symbol, "error", err)
		}
	}
}

// ———————————————————————————————————————————————————— L2: signal trading

func (e *Engine) l2Loop(ctx context.Context) error {
	ticker := time.NewTicker(e.tradingConfig().DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.applyPendingConfig()
			e.decideOnce(ctx)
		}
	}
}

// applyPendingConfig swaps in a staged settings update between cycles.
func (e *Engine) applyPendingConfig() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	if pending != nil {
		e.cfg = *pending
		e.scorer = newScorer(e.model, pending.Scoring)
	}
	e.mu.Unlock()

	if pending != nil {
		e.riskMgr.UpdateConfig(pending.Risk, pending.Trading.EODExitHHMM)
		e.logger.Info("settings applied")
		e.bus.Publish(events.KindSystemStatus, map[string]any{"status": "settings_applied"})
	}
}

func (e *Engine) decideOnce(ctx context.Context) {
	now := e.clk.Now()
	if e.paused.Load() || !clock.IsMarketHours(now) || e.riskMgr.ShouldExitEOD(now) {
		return
	}
	if e.breaker.IsOpen() {
		return
	}

	// Every strategy in this cycle sees the same snapshots; a cache publish
	// mid-cycle is invisible until the next tick.
	var snaps []*marketstate.Snapshot
	for _, symbol := range e.tradingConfig().Underlyings {
		snap, ok := e.cache.ReadFresh(symbol, now)
		if !ok {
			e.logger.Debug("skipping stale snapshot", "symbol", symbol)
			continue
		}
		snaps = append(snaps, snap)
	}
	if len(snaps) == 0 {
		return
	}

	var mu sync.Mutex
	var raw []types.Signal
	g, _ := errgroup.WithContext(ctx)
	for _, snap := range snaps {
		for _, strat := range e.registry.All() {
			snap, strat := snap, strat
			g.Go(func() error {
				sigs := strat.Analyse(snap)
				if len(sigs) > 0 {
					mu.Lock()
					raw = append(raw, sigs...)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	if len(raw) == 0 {
		return
	}

	scored := e.currentScorer().Score(raw)
	e.logger.Debug("cycle scored", "raw", len(raw), "accepted", len(scored))

	for _, sig := range scored {
		e.submitSignal(ctx, sig, now)
	}
}

func (e *Engine) submitSignal(ctx context.Context, sig types.Signal, now time.Time) {
	decision := e.riskMgr.CanTakeTrade(sig, e.tracker.CountOpen(), now)
	if !decision.Admit {
		e.recordOutcome(sig, types.OutcomeBlockedByRisk, decision.Reason, now)
		return
	}
	qty := e.riskMgr.SizePosition(sig)
	if qty <= 0 {
		e.recordOutcome(sig, types.OutcomeBlockedByRisk, "size_zero", now)
		return
	}

	entry := orders.EntryContext{}
	if snap, ok := e.cache.Snapshot(sig.Symbol); ok {
		entry.Regime = snap.Regime
		entry.VIX = snap.VIX
	}

	pos, err := e.orders.Open(ctx, sig, qty, entry)
	if err != nil {
		e.logger.Error("entry failed", "strategy", sig.StrategyID, "instrument", sig.InstrumentKey, "error", err)
		e.recordOutcome(sig, types.OutcomeExecutionFailed, err.Error(), now)
		return
	}

	e.tracker.Add(pos)
	e.riskMgr.RecordEntry(pos.StrategyID, pos.EntryPrice*float64(pos.Quantity))
	if err := e.store.SavePosition(*pos); err != nil {
		e.logger.Error("position persist failed", "position_id", pos.ID, "error", err)
	}
	e.bus.Publish(events.KindPositionUpdate, *pos)
	e.recordOutcome(sig, types.OutcomeExecuted, "", now)
}

func (e *Engine) recordOutcome(sig types.Signal, outcome types.SignalOutcome, detail string, now time.Time) {
	e.ring.Add(types.SignalRecord{Signal: sig, Outcome: outcome, Detail: detail, At: now})
	if err := e.store.RecordStrategySignal(now, sig.StrategyID, outcome == types.OutcomeExecuted); err != nil {
		e.logger.Warn("strategy counter persist failed", "strategy", sig.StrategyID, "error", err)
	}
}

// ———————————————————————————————————————————————————— L3: risk monitoring

func (e *Engine) l3Loop(ctx context.Context) error {
	ticker := time.NewTicker(e.tradingConfig().MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.monitorOnce(ctx)
		}
	}
}

func (e *Engine) monitorOnce(ctx context.Context) {
	now := e.clk.Now()

	// Pull path: positions without recent push ticks mark from the cache.
	for _, pos := range e.tracker.Open() {
		if price, ok := e.cache.LatestPrice(pos.InstrumentKey); ok {
			e.tracker.ApplyPrice(pos.InstrumentKey, price)
		}
	}

	// IV shock watch on the ATM legs.
	for _, symbol := range e.tradingConfig().Underlyings {
		snap, ok := e.cache.Snapshot(symbol)
		if !ok || snap.Chain == nil {
			continue
		}
		if leg := marketstate.ATMLeg(snap.Chain, types.CALL); leg != nil && leg.IV > 0 {
			e.breaker.CheckIVShock(leg.InstrumentKey, leg.IV, now)
		}
	}

	exits := e.tracker.EvaluateExits(positions.EvalInput{
		EODNow:      e.riskMgr.ShouldExitEOD(now) && withinEODWindow(now),
		CircuitOpen: e.squareOff.Load(),
		Reversed:    e.reversedFn(),
	})
	for _, order := range exits {
		e.finalizeExit(ctx, order, now)
	}

	e.emitPnL(now)
}

// EOD exits stay armed past the 15:30 close for this long, so a position
// whose square-off failed during 15:29–15:30 still gets retried instead of
// lingering open overnight.
const eodExitGrace = 15 * time.Minute

func withinEODWindow(now time.Time) bool {
	if !clock.IsTradingDay(now) {
		return false
	}
	sessionClose := time.Date(now.Year(), now.Month(), now.Day(),
		clock.CloseHour, clock.CloseMinute, 0, 0, clock.IST)
	return now.Before(sessionClose.Add(eodExitGrace))
}

func (e *Engine) reversedFn() func(pos types.Position) bool {
	return func(pos types.Position) bool {
		snap, ok := e.cache.Snapshot(pos.Symbol)
		if !ok {
			return false
		}
		return e.reversal.Reversed(pos, snap)
	}
}

// finalizeExit executes one planned exit and records the resulting trade.
func (e *Engine) finalizeExit(ctx context.Context, order positions.ExitOrder, now time.Time) {
	pos, ok := e.tracker.Get(order.PositionID)
	if !ok {
		return
	}

	fill, err := e.orders.Close(ctx, &pos, order.Quantity, order.Reason)
	if err != nil {
		e.logger.Error("exit failed, will retry",
			"position_id", order.PositionID, "reason", order.Reason, "error", err)
		e.tracker.AbortExit(order.PositionID)
		return
	}

	updated, closed := e.tracker.RecordExit(order, fill, now)
	res := pnl.Compute(pnl.DefaultFees{}, pos.Direction, pos.EntryPrice, fill, order.Quantity)

	exitCtx := types.MarketContext{}
	if snap, ok := e.cache.Snapshot(pos.Symbol); ok {
		exitCtx = types.MarketContext{Spot: snap.Spot, VIX: snap.VIX}
		if snap.Chain != nil {
			exitCtx.PCR = snap.Chain.PCR
		}
	}

	// Positions recovered from runs that predate the full entry context
	// still carry the entry VIX.
	entryCtx := pos.EntryContext
	if entryCtx == (types.MarketContext{}) {
		entryCtx.VIX = pos.EntryVIX
	}

	trade := types.Trade{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		InstrumentKey: pos.InstrumentKey,
		Symbol:        pos.Symbol,
		Direction:     pos.Direction,
		Strike:        pos.Strike,
		Expiry:        pos.Expiry,
		Quantity:      order.Quantity,
		EntryPrice:    pos.EntryPrice,
		EntryTime:     pos.EntryTime,
		ExitPrice:     fill,
		ExitTime:      now,
		ExitReason:    order.Reason,
		GrossPnL:      res.Gross,
		Fees:          res.Fees,
		NetPnL:        res.Net,
		StrategyID:    pos.StrategyID,
		EntryContext:  entryCtx,
		ExitContext:   exitCtx,
		HoldDuration:  now.Sub(pos.EntryTime),
	}

	if err := e.store.SaveTrade(trade); err != nil {
		e.logger.Error("trade persist failed", "trade_id", trade.ID, "error", err)
	}
	if err := e.store.SavePosition(updated); err != nil {
		e.logger.Error("position persist failed", "position_id", updated.ID, "error", err)
	}
	if err := e.store.RecordDailyTrade(now, res.Gross, res.Net); err != nil {
		e.logger.Warn("daily counter persist failed", "error", err)
	}
	if err := e.store.RecordStrategyTrade(now, pos.StrategyID, res.Net); err != nil {
		e.logger.Warn("strategy counter persist failed", "error", err)
	}

	e.riskMgr.RecordTrade(trade)
	e.riskMgr.ReleaseEntry(pos.StrategyID, pos.EntryPrice*float64(order.Quantity))

	e.bus.Publish(events.KindTradeClosed, trade)
	e.bus.Publish(events.KindPositionUpdate, updated)
	if closed {
		e.tracker.Remove(updated.ID)
	}
}

// emitPnL publishes the P&L summary and capital line at a coarse cadence so
// a 1s monitor interval does not flood the bus.
func (e *Engine) emitPnL(now time.Time) {
	e.mu.Lock()
	due := now.Sub(e.lastPnLEmit) >= pnlEmitEvery
	if due {
		e.lastPnLEmit = now
	}
	e.mu.Unlock()
	if !due {
		return
	}

	rs := e.riskMgr.Snapshot()
	unrealised := e.tracker.TotalUnrealized()
	e.bus.Publish(events.KindPnLUpdate, map[string]any{
		"daily_pnl":      rs.DailyPnL,
		"unrealized_pnl": unrealised,
		"capital":        rs.CurrentCapital,
		"open_positions": e.tracker.CountOpen(),
	})
	if err := e.store.UpsertCapital(now, rs.StartingCapital, rs.CurrentCapital, rs.DailyPnL); err != nil {
		e.logger.Warn("capital persist failed", "error", err)
	}
}

// eodSnapshot runs after the close: final capital line plus the day summary
// for the dashboard.
func (e *Engine) eodSnapshot() {
	now := e.clk.Now()
	rs := e.riskMgr.Snapshot()

	if err := e.store.UpsertCapital(now, rs.StartingCapital, rs.CurrentCapital, rs.DailyPnL); err != nil {
		e.logger.Warn("eod capital persist failed", "error", err)
	}
	e.bus.Publish(events.KindSystemStatus, map[string]any{
		"status":         "eod_summary",
		"daily_pnl":      rs.DailyPnL,
		"trades":         rs.DailyTrades,
		"capital":        rs.CurrentCapital,
		"open_positions": e.tracker.CountOpen(),
	})
	e.logger.Info("session closed",
		"daily_pnl", rs.DailyPnL, "trades", rs.DailyTrades, "capital", rs.CurrentCapital)
}
