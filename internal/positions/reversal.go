package positions

import (
	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// Reversal thresholds. A position is considered reversed only when both the
// PCR flips through the opposite extreme and short-term momentum runs
// against the held direction; either alone is noise.
const (
	reversalPCRBull  = 1.3
	reversalPCRBear  = 0.7
	reversalMomentum = 0.002 // 5-minute spot return
)

// ReversalDetector flags positions the market has turned against.
type ReversalDetector struct {
	pcrBull  float64
	pcrBear  float64
	momentum float64
}

func NewReversalDetector() *ReversalDetector {
	return &ReversalDetector{
		pcrBull:  reversalPCRBull,
		pcrBear:  reversalPCRBear,
		momentum: reversalMomentum,
	}
}

// Reversed reports whether the snapshot shows a reversal against the
// position. A nil snapshot or one without a chain never triggers.
func (d *ReversalDetector) Reversed(pos types.Position, snap *marketstate.Snapshot) bool {
	if snap == nil || snap.Chain == nil {
		return false
	}
	pcr := snap.Chain.PCR
	r5 := snap.Indicators.Return5m

	switch pos.Direction {
	case types.CALL:
		return pcr > 0 && pcr <= d.pcrBear && r5 <= -d.momentum
	case types.PUT:
		return pcr >= d.pcrBull && r5 >= d.momentum
	}
	return false
}
