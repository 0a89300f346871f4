// Package marketstate maintains the cached view of the market that the
// trading loops read: per-underlying snapshots (spot, option chain, derived
// aggregates, technical indicators), the VIX, and the latest push ticks.
//
// The cache is single-writer: only the market-data loop builds and publishes
// snapshots. Readers take an immutable snapshot reference and never observe
// a torn update.
package marketstate

import (
	"math"
	"sort"
	"time"

	"indiaoptions-bot/pkg/types"
)

// BuildChain assembles an OptionChain from raw legs, computing total OI,
// PCR, max pain and the ATM strike. Legs with non-positive strikes are
// dropped. The returned chain is treated as immutable by all readers.
func BuildChain(symbol, expiry string, spot float64, legs []types.OptionLeg, fetchedAt time.Time) *types.OptionChain {
	byStrike := make(map[float64]*types.StrikePair)
	for i := range legs {
		leg := legs[i]
		if leg.Strike <= 0 {
			continue
		}
		pair, ok := byStrike[leg.Strike]
		if !ok {
			pair = &types.StrikePair{Strike: leg.Strike}
			byStrike[leg.Strike] = pair
		}
		l := leg
		if leg.Side == types.CALL {
			pair.Call = &l
		} else {
			pair.Put = &l
		}
	}

	strikes := make([]types.StrikePair, 0, len(byStrike))
	for _, pair := range byStrike {
		strikes = append(strikes, *pair)
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].Strike < strikes[j].Strike })

	chain := &types.OptionChain{
		Symbol:    symbol,
		Expiry:    expiry,
		Spot:      spot,
		Strikes:   strikes,
		FetchedAt: fetchedAt,
	}

	for _, pair := range strikes {
		if pair.Call != nil {
			chain.TotalCallOI += pair.Call.OI
		}
		if pair.Put != nil {
			chain.TotalPutOI += pair.Put.OI
		}
	}
	if chain.TotalCallOI > 0 {
		chain.PCR = float64(chain.TotalPutOI) / float64(chain.TotalCallOI)
	}
	chain.ATMStrike = atmStrike(strikes, spot)
	chain.MaxPain = maxPainStrike(strikes)
	return chain
}

// atmStrike returns the strike nearest to spot.
func atmStrike(strikes []types.StrikePair, spot float64) float64 {
	var best float64
	bestDist := math.MaxFloat64
	for _, p := range strikes {
		if d := math.Abs(p.Strike - spot); d < bestDist {
			bestDist = d
			best = p.Strike
		}
	}
	return best
}

// maxPainStrike finds the strike that minimises aggregate option-writer
// pay-out assuming expiry at that strike:
//
//	pain(K) = Σ_k max(K−k, 0)·callOI(k) + Σ_k max(k−K, 0)·putOI(k)
func maxPainStrike(strikes []types.StrikePair) float64 {
	if len(strikes) == 0 {
		return 0
	}

	var best float64
	minPain := math.MaxFloat64
	for _, candidate := range strikes {
		K := candidate.Strike
		pain := 0.0
		for _, p := range strikes {
			if p.Call != nil && K > p.Strike {
				pain += float64(p.Call.OI) * (K - p.Strike)
			}
			if p.Put != nil && K < p.Strike {
				pain += float64(p.Put.OI) * (p.Strike - K)
			}
		}
		if pain < minPain {
			minPain = pain
			best = K
		}
	}
	return best
}

// Leg returns the leg at the given strike and side, or nil.
func Leg(chain *types.OptionChain, strike float64, side types.Side) *types.OptionLeg {
	for i := range chain.Strikes {
		p := &chain.Strikes[i]
		if p.Strike != strike {
			continue
		}
		if side == types.CALL {
			return p.Call
		}
		return p.Put
	}
	return nil
}

// ATMLeg returns the at-the-money leg on the given side, or nil.
func ATMLeg(chain *types.OptionChain, side types.Side) *types.OptionLeg {
	return Leg(chain, chain.ATMStrike, side)
}
