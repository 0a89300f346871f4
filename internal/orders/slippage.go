package orders

import (
	"math"

	"indiaoptions-bot/pkg/types"
)

// Paper-fill slippage model. A simulated fill pays the half-spread plus a
// size-dependent impact, scaled up when volatility is elevated:
//
//	slip = spread/2 + impact(qty) , all as fractions of LTP
//	impact ranges 0.1%–0.5% with order size in lots
//	the whole slip is multiplied by a VIX factor above VIX 15
const (
	halfSpreadFrac = 0.0005 // ≈0.05% spread, half paid per side
	impactMinFrac  = 0.001
	impactMaxFrac  = 0.005
	impactPerLot   = 0.0005
	vixBase        = 15.0
	vixScale       = 50.0
)

// slippageFraction returns the total fractional slippage for an order of
// qty units on the given symbol at the given VIX.
func slippageFraction(symbol string, qty int, vix float64) float64 {
	lots := float64(qty) / float64(types.LotSize(symbol))
	impact := impactMinFrac + impactPerLot*(lots-1)
	impact = math.Min(math.Max(impact, impactMinFrac), impactMaxFrac)

	volMult := 1.0
	if vix > vixBase {
		volMult = 1 + (vix-vixBase)/vixScale
	}
	return (halfSpreadFrac + impact) * volMult
}

// paperFillPrice simulates an execution against the last traded price:
// buys pay up, sells give back.
func paperFillPrice(ltp float64, symbol string, qty int, vix float64, buy bool) float64 {
	slip := slippageFraction(symbol, qty, vix)
	if buy {
		return round2(ltp * (1 + slip))
	}
	return round2(ltp * (1 - slip))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
