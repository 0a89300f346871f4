// Package events is the observer bus: every state transition and periodic
// summary the kernel produces fans out here so dashboards, logs, and
// metrics converge without querying the engine.
//
// Delivery is best-effort. Each subscriber owns a bounded queue; a slow
// subscriber loses its oldest events (never blocking producers) and is told
// so with a data_quality alert. Ordering is preserved per subscriber per
// kind; nothing is guaranteed across subscribers or kinds.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind enumerates the message kinds on the bus.
type Kind string

const (
	KindConnection      Kind = "connection"
	KindPositionUpdate  Kind = "position_update"
	KindTradeClosed     Kind = "trade_closed"
	KindPnLUpdate       Kind = "pnl_update"
	KindCircuitBreaker  Kind = "circuit_breaker_event"
	KindAlert           Kind = "alert"
	KindMarketCondition Kind = "market_condition"
	KindDataQuality     Kind = "data_quality"
	KindSystemStatus    Kind = "system_status"
	KindHeartbeat       Kind = "heartbeat"
)

// Alert severity levels.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Event is one bus message. Data must be JSON-serialisable.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"` // IST
	Data any       `json:"data,omitempty"`
}

// AlertPayload is the Data of alert and data_quality events.
type AlertPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// HeartbeatInterval is the bus liveness cadence.
const HeartbeatInterval = 30 * time.Second

// Subscriber is one bounded event queue. Read from Events until it closes.
type Subscriber struct {
	name    string
	ch      chan Event
	dropped atomic.Int64 // incremented by concurrent publishers
}

// Events is the receive side of the subscription.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Name identifies the subscriber in data-quality alerts.
func (s *Subscriber) Name() string { return s.name }

// Dropped counts events shed from this subscriber's queue.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Bus is the fan-out hub. Safe for concurrent publish and subscribe.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}

	heartbeat time.Duration
	nowFn     func() time.Time
}

// NewBus creates an empty bus. nowFn stamps events (IST clock in
// production, frozen in tests); nil means time.Now.
func NewBus(logger *slog.Logger, nowFn func() time.Time) *Bus {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Bus{
		logger:    logger.With("component", "events"),
		subs:      make(map[*Subscriber]struct{}),
		heartbeat: HeartbeatInterval,
		nowFn:     nowFn,
	}
}

// Subscribe registers a queue of the given capacity. Capacity must cover
// the subscriber's worst burst; beyond it the oldest events are dropped.
func (b *Bus) Subscribe(name string, capacity int) *Subscriber {
	if capacity < 1 {
		capacity = 1
	}
	sub := &Subscriber{name: name, ch: make(chan Event, capacity)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish fans an event out to every subscriber without ever blocking.
// A full queue sheds its oldest event to make room, and the subscriber is
// notified once per shed with a data_quality alert (itself best-effort).
func (b *Bus) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, At: b.nowFn(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if b.offer(sub, ev) {
			continue
		}
		b.shedAndOffer(sub, ev)
		if kind != KindDataQuality {
			b.shedAndOffer(sub, Event{
				Kind: KindDataQuality,
				At:   ev.At,
				Data: AlertPayload{
					Level:   LevelWarning,
					Message: "subscriber queue overflow, oldest event dropped",
					Detail:  sub.name,
				},
			})
		}
	}
}

func (b *Bus) offer(sub *Subscriber, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
	}
}

// shedAndOffer drops the subscriber's oldest event to make room. A reader
// may drain concurrently, in which case the shed is a no-op and the offer
// succeeds anyway.
func (b *Bus) shedAndOffer(sub *Subscriber, ev Event) {
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
	default:
	}
	if !b.offer(sub, ev) {
		sub.dropped.Add(1)
	}
}

// Alert publishes an alert event at the given level.
func (b *Bus) Alert(level, message, detail string) {
	b.Publish(KindAlert, AlertPayload{Level: level, Message: message, Detail: detail})
	switch level {
	case LevelError, LevelCritical:
		b.logger.Error(message, "detail", detail)
	case LevelWarning:
		b.logger.Warn(message, "detail", detail)
	default:
		b.logger.Info(message, "detail", detail)
	}
}

// Run emits heartbeats until the context is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(KindHeartbeat, nil)
		}
	}
}
