package engine

import (
	"sync"

	"indiaoptions-bot/pkg/types"
)

// signalRing is the bounded recent-signals buffer surfaced on the dashboard
// snapshot. Oldest entries fall off once full.
type signalRing struct {
	mu   sync.Mutex
	buf  []types.SignalRecord
	next int
	full bool
}

func newSignalRing(capacity int) *signalRing {
	return &signalRing{buf: make([]types.SignalRecord, capacity)}
}

func (r *signalRing) Add(rec types.SignalRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// List returns the records newest-first.
func (r *signalRing) List() []types.SignalRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]types.SignalRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
