package strategy

import (
	"fmt"
	"math"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// MaxPain trades the pull toward the strike of maximum option-writer
// pay-off. When spot sits well away from max pain, price tends to drift
// back toward it into expiry.
type MaxPain struct{}

func (MaxPain) ID() string { return "max_pain" }

// Minimum fractional distance between spot and max pain before the pull is
// worth trading.
const maxPainMinGap = 0.005

func (m MaxPain) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil || snap.Chain.MaxPain <= 0 || snap.Spot <= 0 {
		return nil
	}

	gap := (snap.Chain.MaxPain - snap.Spot) / snap.Spot
	if math.Abs(gap) < maxPainMinGap {
		return nil
	}

	side := types.CALL
	if gap < 0 {
		side = types.PUT
	}
	// 0.5% gap → 50, 1.5%+ → 100.
	strength := math.Min(100, 50+math.Abs(gap-math.Copysign(maxPainMinGap, gap))*5000)

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(m.ID(), snap, leg, strength,
		fmt.Sprintf("spot %.0f vs max pain %.0f (%.2f%% gap)", snap.Spot, snap.Chain.MaxPain, gap*100))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
