package marketstate

import (
	"sync"
	"sync/atomic"
	"time"

	"indiaoptions-bot/pkg/types"
)

// Snapshot is the immutable per-underlying view published by the market-data
// loop. Readers must never mutate a snapshot or anything it points to.
type Snapshot struct {
	Symbol      string             `json:"symbol"`
	Spot        float64            `json:"spot"`
	Expiry      string             `json:"expiry"`
	Chain       *types.OptionChain `json:"chain"`
	Indicators  types.Indicators   `json:"indicators"`
	Regime      types.MarketRegime `json:"regime"`
	VIX         float64            `json:"vix"`
	RefreshedAt time.Time          `json:"refreshed_at"` // IST
}

type cacheState struct {
	bySymbol map[string]*Snapshot
	vix      float64
	vixAt    time.Time
}

// Cache is the shared market-state store. Snapshots are swapped whole via an
// atomic pointer (copy-on-write), so a reader either sees the previous
// consistent state or the new one, never a mix. Only the market-data loop
// calls the publish methods.
//
// Push ticks live in a separate table keyed by instrument: they update the
// freshest known price for tracked instruments without touching the chain
// snapshot readers may be iterating.
type Cache struct {
	state atomic.Pointer[cacheState]

	staleAfter time.Duration

	mu      sync.RWMutex
	ticks   map[string]types.Tick
	tracked map[string]struct{}
}

// NewCache returns an empty cache. staleAfter bounds how old a snapshot may
// be before ReadFresh refuses to serve it.
func NewCache(staleAfter time.Duration) *Cache {
	c := &Cache{
		staleAfter: staleAfter,
		ticks:      make(map[string]types.Tick),
		tracked:    make(map[string]struct{}),
	}
	c.state.Store(&cacheState{bySymbol: map[string]*Snapshot{}})
	return c
}

// Publish installs a new snapshot for snap.Symbol. Single writer only.
// Every instrument in the snapshot's chain becomes tracked for push ticks.
func (c *Cache) Publish(snap *Snapshot) {
	old := c.state.Load()
	next := &cacheState{
		bySymbol: make(map[string]*Snapshot, len(old.bySymbol)+1),
		vix:      old.vix,
		vixAt:    old.vixAt,
	}
	for k, v := range old.bySymbol {
		next.bySymbol[k] = v
	}
	next.bySymbol[snap.Symbol] = snap
	c.state.Store(next)

	if snap.Chain == nil {
		return
	}
	c.mu.Lock()
	for i := range snap.Chain.Strikes {
		p := &snap.Chain.Strikes[i]
		if p.Call != nil {
			c.tracked[p.Call.InstrumentKey] = struct{}{}
		}
		if p.Put != nil {
			c.tracked[p.Put.InstrumentKey] = struct{}{}
		}
	}
	c.mu.Unlock()
}

// SetVIX records the latest India VIX value. Single writer only.
func (c *Cache) SetVIX(vix float64, at time.Time) {
	old := c.state.Load()
	next := &cacheState{bySymbol: old.bySymbol, vix: vix, vixAt: at}
	c.state.Store(next)
}

// VIX returns the latest India VIX value and when it was observed.
func (c *Cache) VIX() (float64, time.Time) {
	s := c.state.Load()
	return s.vix, s.vixAt
}

// Snapshot returns the current snapshot for symbol, regardless of age.
func (c *Cache) Snapshot(symbol string) (*Snapshot, bool) {
	snap, ok := c.state.Load().bySymbol[symbol]
	return snap, ok
}

// ReadFresh returns the snapshot for symbol only if it was refreshed within
// the staleness bound. Decision code must use this, not Snapshot, so that a
// wedged data loop cannot feed stale prices into entries.
func (c *Cache) ReadFresh(symbol string, now time.Time) (*Snapshot, bool) {
	snap, ok := c.state.Load().bySymbol[symbol]
	if !ok || now.Sub(snap.RefreshedAt) > c.staleAfter {
		return nil, false
	}
	return snap, true
}

// Symbols returns the underlyings with a published snapshot.
func (c *Cache) Symbols() []string {
	s := c.state.Load()
	out := make([]string, 0, len(s.bySymbol))
	for k := range s.bySymbol {
		out = append(out, k)
	}
	return out
}

// Track registers instrument keys (open-position legs) for push ticks.
func (c *Cache) Track(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		c.tracked[k] = struct{}{}
	}
	c.mu.Unlock()
}

// Untrack removes instrument keys and their cached ticks.
func (c *Cache) Untrack(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.tracked, k)
		delete(c.ticks, k)
	}
	c.mu.Unlock()
}

// ApplyTick stores a push tick for a tracked instrument. Ticks for unknown
// instruments are dropped and reported false. Out-of-order ticks (older LTT
// than the stored one) are dropped too.
func (c *Cache) ApplyTick(t types.Tick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracked[t.InstrumentKey]; !ok {
		return false
	}
	if prev, ok := c.ticks[t.InstrumentKey]; ok && t.LTT.Before(prev.LTT) {
		return false
	}
	c.ticks[t.InstrumentKey] = t
	return true
}

// LatestTick returns the freshest push tick for an instrument, if any.
func (c *Cache) LatestTick(key string) (types.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[key]
	return t, ok
}

// LatestPrice returns the best-known price for an instrument: the push tick
// when present, otherwise the leg LTP from the current chain snapshot.
func (c *Cache) LatestPrice(key string) (float64, bool) {
	if t, ok := c.LatestTick(key); ok {
		return t.LTP, true
	}
	s := c.state.Load()
	for _, snap := range s.bySymbol {
		if snap.Chain == nil {
			continue
		}
		for i := range snap.Chain.Strikes {
			p := &snap.Chain.Strikes[i]
			if p.Call != nil && p.Call.InstrumentKey == key {
				return p.Call.LTP, true
			}
			if p.Put != nil && p.Put.InstrumentKey == key {
				return p.Put.LTP, true
			}
		}
	}
	return 0, false
}

// ClassifyRegime tags the market condition from VIX and short-horizon trend.
// VIX above the high-vol bar wins over trend.
func ClassifyRegime(vix, return5m float64) types.MarketRegime {
	const (
		highVolVIX = 25.0
		trendBar   = 0.0015 // 0.15% over 5 minutes
	)
	switch {
	case vix >= highVolVIX:
		return types.RegimeHighVol
	case return5m >= trendBar:
		return types.RegimeTrendingUp
	case return5m <= -trendBar:
		return types.RegimeTrendingDown
	default:
		return types.RegimeRangebound
	}
}
