package strategy

import (
	"fmt"
	"math"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// atmWindow returns the strikes within `width` strikes either side of ATM.
func atmWindow(chain *types.OptionChain, width int) []types.StrikePair {
	atm := -1
	for i := range chain.Strikes {
		if chain.Strikes[i].Strike == chain.ATMStrike {
			atm = i
			break
		}
	}
	if atm < 0 {
		return nil
	}
	lo := atm - width
	if lo < 0 {
		lo = 0
	}
	hi := atm + width + 1
	if hi > len(chain.Strikes) {
		hi = len(chain.Strikes)
	}
	return chain.Strikes[lo:hi]
}

// OIChangePatterns reads intraday open-interest deltas around ATM. Net put
// writing (puts added faster than calls) signals a defended floor and is
// bullish; net call writing is bearish.
type OIChangePatterns struct{}

func (OIChangePatterns) ID() string { return "oi_change_patterns" }

const oiImbalanceMin = 0.25 // minimum normalised OI-delta imbalance

func (o OIChangePatterns) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil {
		return nil
	}
	window := atmWindow(snap.Chain, 3)
	if len(window) == 0 {
		return nil
	}

	var callAdd, putAdd int64
	for _, p := range window {
		if p.Call != nil {
			callAdd += p.Call.OIChange
		}
		if p.Put != nil {
			putAdd += p.Put.OIChange
		}
	}
	total := math.Abs(float64(callAdd)) + math.Abs(float64(putAdd))
	if total == 0 {
		return nil
	}
	imbalance := float64(putAdd-callAdd) / total // +1 pure put writing
	if math.Abs(imbalance) < oiImbalanceMin {
		return nil
	}

	side := types.CALL
	if imbalance < 0 {
		side = types.PUT
	}
	strength := math.Min(100, 40+60*math.Abs(imbalance))

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(o.ID(), snap, leg, strength,
		fmt.Sprintf("OI delta imbalance %.2f (put add %d, call add %d)", imbalance, putAdd, callAdd))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}

// InstitutionalFootprint hunts for single-strike volume and OI spikes well
// above the chain average, the signature of size being put on. A dominant
// put build is read as institutions selling downside (bullish) and the
// reverse for calls.
type InstitutionalFootprint struct{}

func (InstitutionalFootprint) ID() string { return "institutional_footprint" }

const footprintSpike = 2.5 // leg volume must exceed this multiple of the mean

func (f InstitutionalFootprint) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil || len(snap.Chain.Strikes) == 0 {
		return nil
	}

	var legs []*types.OptionLeg
	var volSum float64
	for i := range snap.Chain.Strikes {
		p := &snap.Chain.Strikes[i]
		if p.Call != nil {
			legs = append(legs, p.Call)
			volSum += float64(p.Call.Volume)
		}
		if p.Put != nil {
			legs = append(legs, p.Put)
			volSum += float64(p.Put.Volume)
		}
	}
	if len(legs) == 0 || volSum == 0 {
		return nil
	}
	mean := volSum / float64(len(legs))

	var spike *types.OptionLeg
	for _, l := range legs {
		if float64(l.Volume) < footprintSpike*mean || l.OIChange <= 0 {
			continue
		}
		if spike == nil || l.Volume > spike.Volume {
			spike = l
		}
	}
	if spike == nil {
		return nil
	}

	// Size in puts below spot defends a floor; size in calls above spot
	// caps the upside.
	var side types.Side
	switch {
	case spike.Side == types.PUT && spike.Strike <= snap.Spot:
		side = types.CALL
	case spike.Side == types.CALL && spike.Strike >= snap.Spot:
		side = types.PUT
	default:
		return nil
	}

	ratio := float64(spike.Volume) / mean
	strength := math.Min(100, 40+10*ratio)

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(f.ID(), snap, leg, strength,
		fmt.Sprintf("%s %s %.0f volume %.1fx mean with OI add %d",
			snap.Symbol, spike.Side, spike.Strike, ratio, spike.OIChange))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
