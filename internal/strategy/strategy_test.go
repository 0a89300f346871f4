package strategy

import (
	"testing"
	"time"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

// snapFixture builds a minimal consistent snapshot. putOI/callOI shape the
// chain-level PCR; strikes straddle the spot.
func snapFixture(t *testing.T, spot float64, callOI, putOI int64) *marketstate.Snapshot {
	t.Helper()
	step := 50.0
	var legs []types.OptionLeg
	for i := -3; i <= 3; i++ {
		strike := spot + float64(i)*step
		legs = append(legs,
			types.OptionLeg{
				InstrumentKey: "C" + time.Now().Format("150405") + string(rune('a'+i+3)),
				Strike:        strike, Side: types.CALL,
				LTP: 80, Bid: 79.5, Ask: 80.5, OI: callOI, IV: 14,
				Greeks: types.Greeks{Delta: 0.5, Gamma: 0.001},
			},
			types.OptionLeg{
				InstrumentKey: "P" + time.Now().Format("150405") + string(rune('a'+i+3)),
				Strike:        strike, Side: types.PUT,
				LTP: 75, Bid: 74.5, Ask: 75.5, OI: putOI, IV: 15,
				Greeks: types.Greeks{Delta: -0.5, Gamma: 0.001},
			},
		)
	}
	at := time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC)
	chain := marketstate.BuildChain("NIFTY", "2025-03-04", spot, legs, at)
	return &marketstate.Snapshot{
		Symbol:      "NIFTY",
		Spot:        spot,
		Expiry:      "2025-03-04",
		Chain:       chain,
		VIX:         14,
		Regime:      types.RegimeRangebound,
		RefreshedAt: at,
	}
}

func TestRegistryCoversAllCanonicalIDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if len(r.All()) != 10 {
		t.Fatalf("registry holds %d strategies, want 10", len(r.All()))
	}
	for _, id := range CanonicalIDs() {
		if id == Unknown {
			continue
		}
		s, ok := r.Get(id)
		if !ok {
			t.Errorf("no implementation for %q", id)
			continue
		}
		if s.ID() != id {
			t.Errorf("registry id mismatch: %q vs %q", s.ID(), id)
		}
	}
	// Lookup goes through normalisation.
	if s, ok := r.Get("PCR Analysis"); !ok || s.ID() != "pcr_analysis" {
		t.Error("Get should resolve display names")
	}
	if _, ok := r.Get("nope"); ok {
		t.Error("unknown names must not resolve to an implementation")
	}
}

func TestPCRExtremes(t *testing.T) {
	t.Parallel()

	p := PCR{}

	// Heavy put OI → bullish CALL.
	sigs := p.Analyse(snapFixture(t, 22500, 1000, 2000)) // PCR 2.0
	if len(sigs) != 1 || sigs[0].Direction != types.CALL {
		t.Fatalf("high PCR should produce one CALL, got %+v", sigs)
	}
	if sigs[0].StrategyID != "pcr_analysis" {
		t.Errorf("strategy id = %q", sigs[0].StrategyID)
	}

	// Heavy call OI → bearish PUT.
	sigs = p.Analyse(snapFixture(t, 22500, 2000, 800)) // PCR 0.4
	if len(sigs) != 1 || sigs[0].Direction != types.PUT {
		t.Fatalf("low PCR should produce one PUT, got %+v", sigs)
	}

	// Neutral PCR → nothing.
	if sigs = p.Analyse(snapFixture(t, 22500, 1000, 1000)); len(sigs) != 0 {
		t.Errorf("neutral PCR should be silent, got %+v", sigs)
	}
}

func TestSignalsWellFormed(t *testing.T) {
	t.Parallel()

	// A bullish-everything snapshot; whichever strategies fire, their
	// signals must satisfy the common contract.
	snap := snapFixture(t, 22500, 1000, 2200)
	snap.Regime = types.RegimeTrendingUp
	snap.Indicators.Return5m = 0.003

	for _, s := range NewRegistry().All() {
		for _, sig := range s.Analyse(snap) {
			if Normalise(sig.StrategyID) != sig.StrategyID {
				t.Errorf("%s: non-canonical strategy id %q", s.ID(), sig.StrategyID)
			}
			if sig.Strength < 0 || sig.Strength > 100 {
				t.Errorf("%s: strength %v out of [0,100]", s.ID(), sig.Strength)
			}
			if sig.EntryPrice <= 0 || sig.InstrumentKey == "" {
				t.Errorf("%s: missing entry price or instrument", s.ID())
			}
			if !(sig.StopLoss < sig.EntryPrice && sig.EntryPrice < sig.TargetPrice) {
				t.Errorf("%s: stop/entry/target not ordered: %v %v %v",
					s.ID(), sig.StopLoss, sig.EntryPrice, sig.TargetPrice)
			}
			if sig.T1 != 0 && !(sig.T1 < sig.T2 && sig.T2 < sig.T3) {
				t.Errorf("%s: ladder not ascending: %v %v %v", s.ID(), sig.T1, sig.T2, sig.T3)
			}
			if sig.RiskReward() <= 0 {
				t.Errorf("%s: risk/reward = %v", s.ID(), sig.RiskReward())
			}
		}
	}
}

func TestMaxPainPull(t *testing.T) {
	t.Parallel()

	snap := snapFixture(t, 22500, 1000, 1000)
	snap.Chain.MaxPain = 22700 // 0.89% above spot

	sigs := MaxPain{}.Analyse(snap)
	if len(sigs) != 1 || sigs[0].Direction != types.CALL {
		t.Fatalf("pull toward higher max pain should be a CALL, got %+v", sigs)
	}

	snap.Chain.MaxPain = 22520 // inside the dead zone
	if sigs = (MaxPain{}).Analyse(snap); len(sigs) != 0 {
		t.Errorf("small gap should be silent, got %+v", sigs)
	}
}

func TestGapAndGoWindow(t *testing.T) {
	t.Parallel()

	snap := snapFixture(t, 22500, 1000, 1000)
	snap.Indicators.Return5m = 0.004

	// 11:00 is long past the opening window.
	if sigs := (GapAndGo{}).Analyse(snap); len(sigs) != 0 {
		t.Errorf("gap strategy must only fire near the open, got %+v", sigs)
	}

	snap.RefreshedAt = time.Date(2025, 3, 3, 9, 25, 0, 0, time.UTC)
	sigs := (GapAndGo{}).Analyse(snap)
	if len(sigs) != 1 || sigs[0].Direction != types.CALL {
		t.Fatalf("opening drive up should be a CALL, got %+v", sigs)
	}
}

func TestStrategiesAreSilentWithoutChain(t *testing.T) {
	t.Parallel()

	snap := &marketstate.Snapshot{Symbol: "NIFTY", Spot: 22500, RefreshedAt: time.Now()}
	for _, s := range NewRegistry().All() {
		if sigs := s.Analyse(snap); len(sigs) != 0 {
			t.Errorf("%s produced signals with no chain: %+v", s.ID(), sigs)
		}
	}
}
