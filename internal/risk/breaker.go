package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"indiaoptions-bot/internal/clock"
)

// Breaker trigger reasons. The latch keeps every reason raised since the
// last reset.
const (
	ReasonDailyLoss   = "daily_loss"
	ReasonVIXSpike    = "vix_spike"
	ReasonIVShock     = "iv_shock"
	ReasonManual      = "manual"
	ReasonLoopFailure = "loop_failure"
	ReasonAuthFailure = "auth_failure"
)

// ivShock fires when |ΔIV|/IV reaches this fraction inside the window.
const (
	ivShockFraction = 0.50
	ivShockWindow   = 5 * time.Minute
)

// BreakerState is the externally visible latch state.
type BreakerState struct {
	Open      bool      `json:"open"`
	Reasons   []string  `json:"reasons,omitempty"`
	Sticky    bool      `json:"sticky"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	ClearedAt time.Time `json:"cleared_at,omitempty"`
}

type ivAnchor struct {
	iv float64
	at time.Time
}

// Breaker is the circuit-breaker latch: CLOSED permits trading, OPEN
// refuses new orders until reset. Reads are lock-free; all writes take the
// mutex. The daily cron reset at the 09:00 IST pre-open clears the latch
// and counters unless the sticky override is set.
type Breaker struct {
	logger *slog.Logger
	open   atomic.Bool

	mu        sync.Mutex
	reasons   []string
	sticky    bool
	openedAt  time.Time
	clearedAt time.Time
	anchors   map[string]ivAnchor

	onChange func(BreakerState) // persistence + event publication hook
	onReset  func()             // daily counter reset hook
	cron     *cron.Cron
}

// NewBreaker creates a closed breaker. onChange (may be nil) observes every
// latch transition; onReset (may be nil) runs after each daily reset.
func NewBreaker(logger *slog.Logger, onChange func(BreakerState), onReset func()) *Breaker {
	return &Breaker{
		logger:   logger.With("component", "breaker"),
		anchors:  make(map[string]ivAnchor),
		onChange: onChange,
		onReset:  onReset,
	}
}

// IsOpen reports the latch state without locking.
func (b *Breaker) IsOpen() bool { return b.open.Load() }

// State returns a copy of the full latch state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	reasons := make([]string, len(b.reasons))
	copy(reasons, b.reasons)
	return BreakerState{
		Open:      b.open.Load(),
		Reasons:   reasons,
		Sticky:    b.sticky,
		OpenedAt:  b.openedAt,
		ClearedAt: b.clearedAt,
	}
}

// Trip latches the breaker OPEN with the given reason. Repeated reasons are
// recorded once. Already-open latches accumulate new reasons.
func (b *Breaker) Trip(reason, detail string) {
	b.mu.Lock()
	wasOpen := b.open.Load()
	known := false
	for _, r := range b.reasons {
		if r == reason {
			known = true
			break
		}
	}
	if !known {
		b.reasons = append(b.reasons, reason)
	}
	if !wasOpen {
		b.openedAt = clock.NowIST()
	}
	b.open.Store(true)
	st := b.stateLocked()
	b.mu.Unlock()

	b.logger.Error("CIRCUIT BREAKER OPEN", "reason", reason, "detail", detail)
	if b.onChange != nil && (!wasOpen || !known) {
		b.onChange(st)
	}
}

// SetSticky marks the latch to survive the daily automatic reset.
func (b *Breaker) SetSticky(sticky bool) {
	b.mu.Lock()
	b.sticky = sticky
	b.mu.Unlock()
}

// Reset clears the latch manually. The caller must have authenticated the
// operator credential already; this also clears sticky.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.clearLocked()
	b.sticky = false
	st := b.stateLocked()
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset (manual)")
	if b.onChange != nil {
		b.onChange(st)
	}
}

// DailyReset runs at the pre-open tick: clears the latch and invokes the
// counter-reset hook, unless the sticky override holds the latch.
func (b *Breaker) DailyReset() {
	b.mu.Lock()
	if b.sticky {
		b.mu.Unlock()
		b.logger.Warn("daily reset skipped, sticky override set")
		return
	}
	wasOpen := b.open.Load()
	b.clearLocked()
	st := b.stateLocked()
	b.mu.Unlock()

	b.logger.Info("daily pre-open reset", "was_open", wasOpen)
	if b.onChange != nil && wasOpen {
		b.onChange(st)
	}
	if b.onReset != nil {
		b.onReset()
	}
}

func (b *Breaker) clearLocked() {
	b.open.Store(false)
	b.reasons = b.reasons[:0]
	b.clearedAt = clock.NowIST()
	for k := range b.anchors {
		delete(b.anchors, k)
	}
}

// Restore reinstates a persisted latch after restart.
func (b *Breaker) Restore(st BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open.Store(st.Open)
	b.reasons = append(b.reasons[:0], st.Reasons...)
	b.sticky = st.Sticky
	b.openedAt = st.OpenedAt
	b.clearedAt = st.ClearedAt
}

// CheckVIX trips the latch when VIX reaches the halt threshold.
func (b *Breaker) CheckVIX(vix, threshold float64) {
	if threshold > 0 && vix >= threshold {
		b.Trip(ReasonVIXSpike, fmt.Sprintf("VIX %.2f >= %.2f", vix, threshold))
	}
}

// CheckIVShock tracks IV per watched instrument with a rolling anchor and
// trips on a 50% move inside five minutes.
func (b *Breaker) CheckIVShock(instrumentKey string, iv float64, at time.Time) {
	if iv <= 0 {
		return
	}
	b.mu.Lock()
	anchor, ok := b.anchors[instrumentKey]
	if !ok || at.Sub(anchor.at) > ivShockWindow {
		b.anchors[instrumentKey] = ivAnchor{iv: iv, at: at}
		b.mu.Unlock()
		return
	}
	change := (iv - anchor.iv) / anchor.iv
	if change < 0 {
		change = -change
	}
	b.mu.Unlock()

	if change >= ivShockFraction {
		b.Trip(ReasonIVShock, fmt.Sprintf("%s IV moved %.0f%% in %s",
			instrumentKey, change*100, ivShockWindow))
	}
}

// StartDailyReset schedules the 09:00 IST pre-open reset. Stop with
// StopDailyReset on shutdown.
func (b *Breaker) StartDailyReset() error {
	c := cron.New(cron.WithLocation(clock.IST))
	if _, err := c.AddFunc("0 9 * * *", b.DailyReset); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	c.Start()
	b.cron = c
	return nil
}

func (b *Breaker) StopDailyReset() {
	if b.cron != nil {
		b.cron.Stop()
	}
}
