package marketstate

import (
	"testing"
	"time"

	"indiaoptions-bot/pkg/types"
)

func TestCachePublishAndFreshness(t *testing.T) {
	t.Parallel()

	c := NewCache(10 * time.Second)
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

	if _, ok := c.ReadFresh("NIFTY", now); ok {
		t.Fatal("empty cache should not serve a snapshot")
	}

	c.Publish(&Snapshot{Symbol: "NIFTY", Spot: 22500, Chain: testChain(22500), RefreshedAt: now})

	if snap, ok := c.ReadFresh("NIFTY", now.Add(5*time.Second)); !ok || snap.Spot != 22500 {
		t.Fatalf("fresh snapshot not served: %+v %v", snap, ok)
	}
	if _, ok := c.ReadFresh("NIFTY", now.Add(11*time.Second)); ok {
		t.Error("stale snapshot must not be served to decision code")
	}
	// Snapshot ignores age; monitoring still needs a price.
	if _, ok := c.Snapshot("NIFTY"); !ok {
		t.Error("Snapshot should serve regardless of age")
	}
}

func TestCacheTicks(t *testing.T) {
	t.Parallel()

	c := NewCache(10 * time.Second)
	now := time.Now()
	c.Publish(&Snapshot{Symbol: "NIFTY", Chain: testChain(112), RefreshedAt: now})

	// Chain instruments are tracked automatically.
	if !c.ApplyTick(types.Tick{InstrumentKey: "C110", LTP: 7.2, LTT: now}) {
		t.Fatal("tick for chain instrument should apply")
	}
	if p, ok := c.LatestPrice("C110"); !ok || p != 7.2 {
		t.Errorf("LatestPrice(C110) = %v %v, want 7.2", p, ok)
	}

	// Unknown instruments are dropped.
	if c.ApplyTick(types.Tick{InstrumentKey: "NOPE", LTP: 1, LTT: now}) {
		t.Error("tick for unknown instrument should be dropped")
	}

	// Out-of-order ticks are dropped.
	if c.ApplyTick(types.Tick{InstrumentKey: "C110", LTP: 6.0, LTT: now.Add(-time.Second)}) {
		t.Error("older tick should be dropped")
	}
	if p, _ := c.LatestPrice("C110"); p != 7.2 {
		t.Errorf("price regressed to %v after stale tick", p)
	}

	// Without a tick the chain leg LTP answers.
	if p, ok := c.LatestPrice("P120"); !ok || p != 10.6 {
		t.Errorf("LatestPrice(P120) = %v %v, want chain LTP 10.6", p, ok)
	}

	c.Untrack("C110")
	if c.ApplyTick(types.Tick{InstrumentKey: "C110", LTP: 8, LTT: now.Add(time.Second)}) {
		t.Error("untracked instrument should drop ticks")
	}
}

func TestCacheVIX(t *testing.T) {
	t.Parallel()

	c := NewCache(10 * time.Second)
	at := time.Now()
	c.SetVIX(17.4, at)
	if v, got := c.VIX(); v != 17.4 || !got.Equal(at) {
		t.Errorf("VIX = %v @ %v", v, got)
	}
}

func TestClassifyRegime(t *testing.T) {
	t.Parallel()

	cases := []struct {
		vix, r5 float64
		want    types.MarketRegime
	}{
		{14, 0.002, types.RegimeTrendingUp},
		{14, -0.002, types.RegimeTrendingDown},
		{14, 0.0005, types.RegimeRangebound},
		{28, 0.005, types.RegimeHighVol}, // VIX wins over trend
	}
	for _, c := range cases {
		if got := ClassifyRegime(c.vix, c.r5); got != c.want {
			t.Errorf("ClassifyRegime(%v, %v) = %v, want %v", c.vix, c.r5, got, c.want)
		}
	}
}

func TestSpotSeries(t *testing.T) {
	t.Parallel()

	s := NewSpotSeries("NIFTY")
	base := time.Date(2025, 3, 3, 9, 15, 0, 0, time.UTC)

	// Two observations in one minute collapse into one bar.
	s.Observe(100, 0, base)
	s.Observe(101, 0, base.Add(30*time.Second))
	if s.Len() != 1 {
		t.Fatalf("bars = %d, want 1", s.Len())
	}

	for i := 1; i <= 6; i++ {
		s.Observe(100+float64(i), 0, base.Add(time.Duration(i)*time.Minute))
	}

	ind := s.Compute()
	// close[-1]=106, close 1m back=105, 5m back=101
	if got := ind.Return1m; got < 0.0095 || got > 0.0096 {
		t.Errorf("Return1m = %v", got)
	}
	if got := ind.Return5m; got < 0.049 || got > 0.050 {
		t.Errorf("Return5m = %v", got)
	}
	// No volume: VWAP falls back to mean of closes.
	if ind.VWAP <= 100 || ind.VWAP >= 106 {
		t.Errorf("VWAP = %v, want mean of window", ind.VWAP)
	}
	// Window shorter than lookback: RSI/Bollinger/ATR report not-ready.
	if ind.RSI != 0 || ind.BollMiddle != 0 || ind.ATR != 0 {
		t.Errorf("short window should leave long-lookback indicators zero: %+v", ind)
	}

	s.Reset()
	if s.Len() != 0 {
		t.Error("Reset should clear the window")
	}
}

func TestSpotSeriesIndicatorsReady(t *testing.T) {
	t.Parallel()

	s := NewSpotSeries("NIFTY")
	base := time.Date(2025, 3, 3, 9, 15, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < 40; i++ {
		// Alternate up/down so RSI is well defined.
		if i%2 == 0 {
			price += 1.5
		} else {
			price -= 1.0
		}
		s.Observe(price, 10, base.Add(time.Duration(i)*time.Minute))
	}

	ind := s.Compute()
	if ind.RSI <= 0 || ind.RSI >= 100 {
		t.Errorf("RSI = %v, want (0,100)", ind.RSI)
	}
	if !(ind.BollLower < ind.BollMiddle && ind.BollMiddle < ind.BollUpper) {
		t.Errorf("Bollinger ordering broken: %+v", ind)
	}
	if ind.ATR <= 0 {
		t.Errorf("ATR = %v, want > 0", ind.ATR)
	}
}
