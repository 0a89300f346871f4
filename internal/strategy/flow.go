package strategy

import (
	"fmt"
	"math"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// OrderFlowImbalance measures where traded volume is concentrating around
// ATM. Calls out-trading puts by a wide margin marks aggressive upside
// positioning, and vice versa.
type OrderFlowImbalance struct{}

func (OrderFlowImbalance) ID() string { return "order_flow_imbalance" }

const flowImbalanceMin = 0.30

func (o OrderFlowImbalance) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil {
		return nil
	}
	window := atmWindow(snap.Chain, 2)
	if len(window) == 0 {
		return nil
	}

	var callVol, putVol float64
	for _, p := range window {
		if p.Call != nil {
			callVol += float64(p.Call.Volume)
		}
		if p.Put != nil {
			putVol += float64(p.Put.Volume)
		}
	}
	total := callVol + putVol
	if total == 0 {
		return nil
	}
	imbalance := (callVol - putVol) / total
	if math.Abs(imbalance) < flowImbalanceMin {
		return nil
	}

	side := types.CALL
	if imbalance < 0 {
		side = types.PUT
	}
	strength := math.Min(100, 40+70*math.Abs(imbalance))

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(o.ID(), snap, leg, strength,
		fmt.Sprintf("flow imbalance %.2f near ATM (call vol %.0f, put vol %.0f)", imbalance, callVol, putVol))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
