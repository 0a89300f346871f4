// Package strategy holds the signal-generating strategies and their
// registry. Strategies are pure: they read a consistent market-state
// snapshot and return zero or more signals, with no I/O and no retained
// state between invocations. The registry is fixed at startup and keyed by
// canonical snake_case id; all inbound name variants resolve through
// Normalise.
package strategy

import (
	"time"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// Strategy is the contract every signal generator satisfies.
// Analyse must be side-effect-free and re-entrant.
type Strategy interface {
	ID() string
	Analyse(snap *marketstate.Snapshot) []types.Signal
}

// Registry is the fixed strategy set, built once at startup.
type Registry struct {
	byID    map[string]Strategy
	ordered []Strategy
}

// NewRegistry constructs the full strategy portfolio.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]Strategy)}
	for _, s := range []Strategy{
		PCR{},
		OIChangePatterns{},
		MaxPain{},
		IVSkew{},
		GammaScalping{},
		OrderFlowImbalance{},
		InstitutionalFootprint{},
		SupportResistance{},
		GapAndGo{},
		TimeOfDay{},
	} {
		r.byID[s.ID()] = s
		r.ordered = append(r.ordered, s)
	}
	return r
}

// Get resolves any name variant to its strategy, or false when the name
// normalises to an id with no implementation (including Unknown).
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.byID[Normalise(name)]
	return s, ok
}

// All returns the strategies in registration order.
func (r *Registry) All() []Strategy {
	out := make([]Strategy, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Descriptors returns the declarative view of the registry for reporting.
func (r *Registry) Descriptors() []types.StrategyDescriptor {
	out := make([]types.StrategyDescriptor, 0, len(r.ordered))
	for _, s := range r.ordered {
		id := s.ID()
		out = append(out, types.StrategyDescriptor{
			ID:         id,
			Name:       Display(id),
			Weight:     100 * Allocation(id),
			Allocation: Allocation(id),
			Enabled:    true,
		})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Shared signal construction
// ————————————————————————————————————————————————————————————————————————

// Premium targets for a long option entry: stop at −20% of premium, final
// target at +40%, ladder rungs at +15% / +25% / +40%.
const (
	stopFrac = 0.20
	t1Frac   = 0.15
	t2Frac   = 0.25
	t3Frac   = 0.40
)

// buildSignal assembles a Signal for a long entry on the given leg. Returns
// false when the leg is missing or has no tradable premium.
func buildSignal(id string, snap *marketstate.Snapshot, leg *types.OptionLeg, strength float64, reason string) (types.Signal, bool) {
	if leg == nil || leg.LTP <= 0 {
		return types.Signal{}, false
	}
	if strength > 100 {
		strength = 100
	}
	entry := leg.LTP
	return types.Signal{
		StrategyID:    id,
		Symbol:        snap.Symbol,
		Direction:     leg.Side,
		Strike:        leg.Strike,
		Expiry:        snap.Expiry,
		InstrumentKey: leg.InstrumentKey,
		EntryPrice:    entry,
		TargetPrice:   round2(entry * (1 + t3Frac)),
		StopLoss:      round2(entry * (1 - stopFrac)),
		T1:            round2(entry * (1 + t1Frac)),
		T2:            round2(entry * (1 + t2Frac)),
		T3:            round2(entry * (1 + t3Frac)),
		Strength:      strength,
		Reason:        reason,
		Greeks:        leg.Greeks,
		Context: types.MarketContext{
			Spot: snap.Spot,
			IV:   leg.IV,
			VIX:  snap.VIX,
			PCR:  chainPCR(snap),
		},
		GeneratedAt: snap.RefreshedAt,
	}, true
}

func chainPCR(snap *marketstate.Snapshot) float64 {
	if snap.Chain == nil {
		return 0
	}
	return snap.Chain.PCR
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// sessionMinute returns minutes since 09:15 for a snapshot timestamp, or -1
// outside the session.
func sessionMinute(at time.Time) int {
	m := at.Hour()*60 + at.Minute() - (9*60 + 15)
	if m < 0 || m > 375 {
		return -1
	}
	return m
}
