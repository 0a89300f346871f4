package strategy

import (
	"fmt"
	"math"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// IVSkew compares implied volatility of the ATM call and put. Demand shows
// up as richer IV on one side; the strategy follows the side being bid.
type IVSkew struct{}

func (IVSkew) ID() string { return "iv_skew" }

const skewMinPts = 2.0 // IV points of ATM skew before acting

func (s IVSkew) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil {
		return nil
	}
	call := marketstate.ATMLeg(snap.Chain, types.CALL)
	put := marketstate.ATMLeg(snap.Chain, types.PUT)
	if call == nil || put == nil || call.IV <= 0 || put.IV <= 0 {
		return nil
	}

	skew := call.IV - put.IV
	if math.Abs(skew) < skewMinPts {
		return nil
	}

	side := types.CALL
	leg := call
	if skew < 0 {
		side = types.PUT
		leg = put
	}
	strength := math.Min(100, 45+10*math.Abs(skew))

	sig, ok := buildSignal(s.ID(), snap, leg, strength,
		fmt.Sprintf("ATM IV skew %.1f pts favours %s", skew, side))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}

// GammaScalping buys the ATM option in the trend direction when gamma is
// rich enough for the position to accelerate with the move. Only fires in a
// trending regime.
type GammaScalping struct{}

func (GammaScalping) ID() string { return "gamma_scalping" }

const gammaMin = 0.0008

func (g GammaScalping) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil {
		return nil
	}

	var side types.Side
	switch snap.Regime {
	case types.RegimeTrendingUp:
		side = types.CALL
	case types.RegimeTrendingDown:
		side = types.PUT
	default:
		return nil
	}

	leg := marketstate.ATMLeg(snap.Chain, side)
	if leg == nil || leg.Greeks.Gamma < gammaMin {
		return nil
	}

	strength := math.Min(100, 50+25000*leg.Greeks.Gamma)
	sig, ok := buildSignal(g.ID(), snap, leg, strength,
		fmt.Sprintf("%s regime with ATM gamma %.4f", snap.Regime, leg.Greeks.Gamma))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
