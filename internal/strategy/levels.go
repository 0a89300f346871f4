package strategy

import (
	"fmt"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// SupportResistance treats the strike with the heaviest put OI as support
// and the heaviest call OI as resistance. Spot pressing either level with
// the writers still in place is traded as a bounce or rejection.
type SupportResistance struct{}

func (SupportResistance) ID() string { return "support_resistance" }

// How close (fraction of spot) price must be to a level to count as a test.
const levelProximity = 0.0035

func (s SupportResistance) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil || snap.Spot <= 0 {
		return nil
	}

	var support, resistance float64
	var maxPutOI, maxCallOI int64
	for _, p := range snap.Chain.Strikes {
		if p.Put != nil && p.Put.OI > maxPutOI {
			maxPutOI = p.Put.OI
			support = p.Strike
		}
		if p.Call != nil && p.Call.OI > maxCallOI {
			maxCallOI = p.Call.OI
			resistance = p.Strike
		}
	}
	if support == 0 || resistance == 0 {
		return nil
	}

	var side types.Side
	var level float64
	var kind string
	switch {
	case snap.Spot >= support && (snap.Spot-support)/snap.Spot <= levelProximity:
		side, level, kind = types.CALL, support, "support"
	case snap.Spot <= resistance && (resistance-snap.Spot)/snap.Spot <= levelProximity:
		side, level, kind = types.PUT, resistance, "resistance"
	default:
		return nil
	}

	// Closer to the level = stronger setup.
	dist := (snap.Spot - level) / snap.Spot
	if dist < 0 {
		dist = -dist
	}
	strength := 50 + 50*(1-dist/levelProximity)

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(s.ID(), snap, leg, strength,
		fmt.Sprintf("spot %.0f testing %s %.0f (max OI strike)", snap.Spot, kind, level))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
