package strategy

import (
	"fmt"
	"math"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// GapAndGo trades opening momentum: a decisive directional move in the
// first half hour tends to extend. Quiet opens produce nothing.
type GapAndGo struct{}

func (GapAndGo) ID() string { return "gap_and_go" }

const (
	gapWindowMinutes = 30
	gapMinMove       = 0.002 // 0.2% over 5 minutes
)

func (g GapAndGo) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil {
		return nil
	}
	m := sessionMinute(snap.RefreshedAt)
	if m < 0 || m > gapWindowMinutes {
		return nil
	}

	r5 := snap.Indicators.Return5m
	if math.Abs(r5) < gapMinMove {
		return nil
	}

	side := types.CALL
	if r5 < 0 {
		side = types.PUT
	}
	strength := math.Min(100, 50+10000*math.Abs(r5))

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(g.ID(), snap, leg, strength,
		fmt.Sprintf("opening drive %.2f%% in 5m", r5*100))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}

// TimeOfDay trades the afternoon trend leg: once positioning for the close
// starts, a VWAP-confirmed trend tends to persist into the last hour.
type TimeOfDay struct{}

func (TimeOfDay) ID() string { return "time_of_day" }

const (
	afternoonStart = 270 // 13:45 IST, minutes into the session
	vwapZMin       = 1.0
)

func (t TimeOfDay) Analyse(snap *marketstate.Snapshot) []types.Signal {
	if snap.Chain == nil {
		return nil
	}
	m := sessionMinute(snap.RefreshedAt)
	if m < afternoonStart {
		return nil
	}

	z := snap.Indicators.VWAPZScore
	var side types.Side
	switch {
	case z >= vwapZMin && snap.Regime == types.RegimeTrendingUp:
		side = types.CALL
	case z <= -vwapZMin && snap.Regime == types.RegimeTrendingDown:
		side = types.PUT
	default:
		return nil
	}

	strength := math.Min(100, 45+20*math.Abs(z))

	leg := marketstate.ATMLeg(snap.Chain, side)
	sig, ok := buildSignal(t.ID(), snap, leg, strength,
		fmt.Sprintf("afternoon trend, VWAP z %.1f", z))
	if !ok {
		return nil
	}
	return []types.Signal{sig}
}
