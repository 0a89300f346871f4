// Package positions owns the open-position book: mark-to-market on every
// price update and the exit rules that turn positions back into trades.
//
// All mutation happens under a per-position lock so that a push tick and the
// monitoring loop evaluating exits for the same instrument serialise. Ticks
// that arrive after a position is CLOSED are discarded. State only moves
// forward: OPEN → PARTIAL → CLOSED.
package positions

import (
	"log/slog"
	"sync"
	"time"

	"indiaoptions-bot/pkg/types"
)

// ExitOrder is a planned exit produced by EvaluateExits. The caller executes
// it against the order manager and reports the fill back via RecordExit (or
// AbortExit when execution failed).
type ExitOrder struct {
	PositionID    string
	InstrumentKey string
	Symbol        string
	Quantity      int
	Rungs         int // ladder rungs this exit consumes, 0 for full closes
	Reason        types.ExitReason
	TriggerPrice  float64
}

// EvalInput carries the cross-cutting conditions checked on every pass.
type EvalInput struct {
	EODNow      bool
	CircuitOpen bool
	// Reversed reports whether the market has turned against the position.
	// Nil disables reversal exits.
	Reversed func(pos types.Position) bool
}

type entry struct {
	mu          sync.Mutex
	pos         *types.Position
	originalQty int
	pendingExit bool
}

// Tracker is the in-memory position book.
type Tracker struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:  logger.With("component", "positions"),
		entries: make(map[string]*entry),
	}
}

// Add registers a freshly opened position.
func (t *Tracker) Add(pos *types.Position) {
	t.mu.Lock()
	t.entries[pos.ID] = &entry{pos: pos, originalQty: pos.Quantity}
	t.mu.Unlock()
}

// Get returns a copy of the position.
func (t *Tracker) Get(id string) (types.Position, bool) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return types.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.pos, true
}

// Open returns copies of all positions not yet fully closed.
func (t *Tracker) Open() []types.Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]types.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State != types.PositionClosed {
			out = append(out, *e.pos)
		}
		e.mu.Unlock()
	}
	return out
}

// CountOpen returns the number of positions still holding quantity.
func (t *Tracker) CountOpen() int {
	return len(t.Open())
}

// OpenInstrumentKeys returns the distinct instrument keys of open positions,
// used to re-subscribe the push feed after a reconnect or mode switch.
func (t *Tracker) OpenInstrumentKeys() []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, p := range t.Open() {
		if _, dup := seen[p.InstrumentKey]; !dup {
			seen[p.InstrumentKey] = struct{}{}
			keys = append(keys, p.InstrumentKey)
		}
	}
	return keys
}

// ApplyTick routes a push tick into every open position on that instrument.
func (t *Tracker) ApplyTick(tick types.Tick) {
	t.ApplyPrice(tick.InstrumentKey, tick.LTP)
}

// ApplyPrice marks all open positions on the instrument to the given price.
// Closed positions ignore it.
func (t *Tracker) ApplyPrice(instrumentKey string, price float64) {
	if price <= 0 {
		return
	}
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.pos.InstrumentKey == instrumentKey && e.pos.State != types.PositionClosed {
			e.pos.CurrentPrice = price
			e.pos.UnrealizedPnL = unrealised(e.pos)
		}
		e.mu.Unlock()
	}
}

// TotalUnrealized sums mark-to-market P&L across the open book.
func (t *Tracker) TotalUnrealized() float64 {
	var sum float64
	for _, p := range t.Open() {
		sum += p.UnrealizedPnL
	}
	return sum
}

// EvaluateExits walks the open book and returns the exits due right now, in
// priority order: circuit square-off, EOD, stop-loss, target/ladder,
// reversal. A position with an exit already in flight is skipped until the
// caller reports back.
func (t *Tracker) EvaluateExits(in EvalInput) []ExitOrder {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var orders []ExitOrder
	for _, e := range entries {
		e.mu.Lock()
		if e.pos.State == types.PositionClosed || e.pendingExit {
			e.mu.Unlock()
			continue
		}
		if order, ok := t.planExit(e, in); ok {
			e.pendingExit = true
			orders = append(orders, order)
		}
		e.mu.Unlock()
	}
	return orders
}

// planExit decides the exit for one position. Caller holds e.mu.
func (t *Tracker) planExit(e *entry, in EvalInput) (ExitOrder, bool) {
	pos := e.pos
	full := func(reason types.ExitReason) (ExitOrder, bool) {
		return ExitOrder{
			PositionID:    pos.ID,
			InstrumentKey: pos.InstrumentKey,
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			Reason:        reason,
			TriggerPrice:  pos.CurrentPrice,
		}, true
	}

	if in.CircuitOpen {
		return full(types.ExitCircuit)
	}
	if in.EODNow {
		return full(types.ExitEOD)
	}
	if pos.CurrentPrice > 0 && pos.CurrentPrice <= pos.StopLoss {
		return full(types.ExitStopLoss)
	}
	if order, ok := t.planLadder(e); ok {
		return order, true
	}
	if in.Reversed != nil && in.Reversed(*pos) {
		return full(types.ExitReversal)
	}
	return ExitOrder{}, false
}

// planLadder handles target exits. With a T1/T2/T3 ladder each rung releases
// one third of the original quantity, floored to lot-size; when the floor is
// zero the ladder degrades to a single full exit at T3. Caller holds e.mu.
func (t *Tracker) planLadder(e *entry) (ExitOrder, bool) {
	pos := e.pos
	price := pos.CurrentPrice
	if price <= 0 {
		return ExitOrder{}, false
	}

	if pos.T3 <= 0 {
		// No ladder configured: plain target exit.
		if pos.TargetPrice > 0 && price >= pos.TargetPrice {
			return ExitOrder{
				PositionID:    pos.ID,
				InstrumentKey: pos.InstrumentKey,
				Symbol:        pos.Symbol,
				Quantity:      pos.Quantity,
				Reason:        types.ExitTarget,
				TriggerPrice:  price,
			}, true
		}
		return ExitOrder{}, false
	}

	// The final rung always takes everything left, absorbing lot rounding.
	if price >= pos.T3 {
		return ExitOrder{
			PositionID:    pos.ID,
			InstrumentKey: pos.InstrumentKey,
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			Rungs:         3 - pos.LaddersDone,
			Reason:        types.ExitTarget,
			TriggerPrice:  price,
		}, true
	}

	reached := 0
	switch {
	case price >= pos.T2:
		reached = 2
	case price >= pos.T1:
		reached = 1
	}
	due := reached - pos.LaddersDone
	if due <= 0 {
		return ExitOrder{}, false
	}

	lot := types.LotSize(pos.Symbol)
	rung := e.originalQty / 3 / lot * lot
	if rung == 0 {
		// One-lot position: nothing to peel off until T3.
		return ExitOrder{}, false
	}
	qty := rung * due
	if qty > pos.Quantity {
		qty = pos.Quantity
	}
	return ExitOrder{
		PositionID:    pos.ID,
		InstrumentKey: pos.InstrumentKey,
		Symbol:        pos.Symbol,
		Quantity:      qty,
		Rungs:         due,
		Reason:        types.ExitTarget,
		TriggerPrice:  price,
	}, true
}

// RecordExit applies a filled exit. Returns the updated position copy and
// whether it is now fully closed; on a full close the position stays in the
// book as CLOSED until Remove.
func (t *Tracker) RecordExit(order ExitOrder, fillPrice float64, at time.Time) (types.Position, bool) {
	t.mu.RLock()
	e, ok := t.entries[order.PositionID]
	t.mu.RUnlock()
	if !ok {
		return types.Position{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pendingExit = false
	pos := e.pos
	pos.Quantity -= order.Quantity
	pos.LaddersDone += order.Rungs
	pos.CurrentPrice = fillPrice
	if pos.Quantity <= 0 {
		pos.Quantity = 0
		pos.State = types.PositionClosed
		pos.UnrealizedPnL = 0
	} else {
		pos.State = types.PositionPartial
		pos.UnrealizedPnL = unrealised(pos)
	}

	t.logger.Info("exit recorded",
		"position_id", pos.ID,
		"reason", order.Reason,
		"qty", order.Quantity,
		"fill", fillPrice,
		"remaining", pos.Quantity,
		"state", pos.State,
	)
	return *pos, pos.State == types.PositionClosed
}

// AbortExit clears the in-flight flag after a failed exit execution so the
// next evaluation pass retries.
func (t *Tracker) AbortExit(positionID string) {
	t.mu.RLock()
	e, ok := t.entries[positionID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.pendingExit = false
	e.mu.Unlock()
}

// Remove drops a closed position from the book.
func (t *Tracker) Remove(positionID string) {
	t.mu.Lock()
	delete(t.entries, positionID)
	t.mu.Unlock()
}

func unrealised(pos *types.Position) float64 {
	diff := pos.CurrentPrice - pos.EntryPrice
	if pos.Direction == types.PUT {
		diff = -diff
	}
	return diff * float64(pos.Quantity)
}
