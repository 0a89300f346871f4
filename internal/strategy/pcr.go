package strategy

import (
	"fmt"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// PCR trades extremes of the put/call open-interest ratio. Heavy put
// writing (high PCR) marks dealer confidence in a floor and is bullish;
// heavy call writing (low PCR) is bearish.
type PCR struct{}

func (PCR) ID() string { return "pcr_analysis" }

const (
	pcrBullish = 1.30
	pcrBearish = 0.70
)

func (p PCR) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil || len(snap.Chain.Strikes) == 0 {
		return nil
	}
	pcr := snap.Chain.PCR

	var side types.Side
	var strength float64
	switch {
	case pcr >= pcrBullish:
		side = types.CALL
		strength = 55 + 50*(pcr-pcrBullish) // 1.3→55, 2.2→100
	case pcr <= pcrBearish && pcr > 0:
		side = types.PUT
		strength = 55 + 100*(pcrBearish-pcr) // 0.7→55, 0.25→100
	default:
		return nil
	}

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(p.ID(), snap, leg, strength,
		fmt.Sprintf("PCR %.2f beyond %s extreme", pcr, side))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
