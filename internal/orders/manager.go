// Package orders executes entries and exits in paper or live mode. Both
// modes are identical at the signal level: the caller asks for an open or a
// close, and gets back a filled position or an exit price.
//
// Live orders ride the broker adapter through the full lifecycle
// NEW → SUBMITTED → (PARTIAL) → FILLED | REJECTED | CANCELLED, with
// cancellation retried up to 3 times on timeout. Paper orders fill
// immediately against LTP plus the slippage model; no broker call is made.
//
// On every open the instrument key is subscribed to the push feed and
// tracked in the cache; on full close it is unsubscribed. Positions hold
// only the instrument key, never a feed handle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"indiaoptions-bot/internal/broker"
	"indiaoptions-bot/internal/clock"
	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

const (
	fillPollInterval  = 200 * time.Millisecond
	cancelAttempts    = 3
	cancelBackoffBase = 500 * time.Millisecond
)

// ErrRejected is returned when the broker rejects an order outright.
var ErrRejected = errors.New("order rejected")

// BrokerAPI is the slice of the broker client the order manager needs.
type BrokerAPI interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (broker.OrderDetail, error)
}

// Feed is the subscription surface of the tick feed.
type Feed interface {
	Subscribe(keys ...string) error
	Unsubscribe(keys ...string) error
}

// EntryContext carries the market backdrop stamped onto a new position.
type EntryContext struct {
	Regime types.MarketRegime
	VIX    float64
}

// Manager executes orders in the configured mode.
type Manager struct {
	logger *slog.Logger
	api    BrokerAPI
	feed   Feed
	cache  *marketstate.Cache
	clk    clock.Clock

	orderTimeout time.Duration

	mu   sync.RWMutex
	mode types.TradingMode
}

// NewManager builds the order manager. api may be nil in paper-only
// deployments.
func NewManager(mode types.TradingMode, api BrokerAPI, feed Feed, cache *marketstate.Cache,
	clk clock.Clock, orderTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		logger:       logger.With("component", "orders"),
		api:          api,
		feed:         feed,
		cache:        cache,
		clk:          clk,
		orderTimeout: orderTimeout,
		mode:         mode,
	}
}

// Mode returns the current execution mode.
func (m *Manager) Mode() types.TradingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches paper/live. Idempotent; the caller re-subscribes open
// position keys afterwards since subscription state does not carry over.
func (m *Manager) SetMode(mode types.TradingMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// Open buys qty units of the signal's instrument and returns the resulting
// position. The instrument is subscribed for push ticks before returning.
func (m *Manager) Open(ctx context.Context, sig types.Signal, qty int, entry EntryContext) (*types.Position, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("open: quantity must be positive, got %d", qty)
	}

	ltp := m.referencePrice(sig.InstrumentKey, sig.EntryPrice)
	var fillPrice float64
	var err error
	if m.Mode() == types.ModeLive {
		fillPrice, err = m.executeLive(ctx, sig.InstrumentKey, qty, "BUY")
		if err != nil {
			return nil, err
		}
	} else {
		fillPrice = paperFillPrice(ltp, sig.Symbol, qty, entry.VIX, true)
	}

	now := m.clk.Now()
	entryCtx := sig.Context
	if entry.VIX > 0 {
		entryCtx.VIX = entry.VIX
	}
	pos := &types.Position{
		ID:            uuid.NewString(),
		InstrumentKey: sig.InstrumentKey,
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		Strike:        sig.Strike,
		Expiry:        sig.Expiry,
		Quantity:      qty,
		EntryPrice:    fillPrice,
		EntryTime:     now,
		CurrentPrice:  fillPrice,
		TargetPrice:   sig.TargetPrice,
		StopLoss:      sig.StopLoss,
		T1:            sig.T1,
		T2:            sig.T2,
		T3:            sig.T3,
		State:         types.PositionOpen,
		StrategyID:    sig.StrategyID,
		EntryRegime:   entry.Regime,
		EntryContext:  entryCtx,
		EntryVIX:      entryCtx.VIX,
		EntryHour:     now.Hour(),
		EntryMinute:   now.Minute(),
		EntryWeekday:  int(now.Weekday()),
	}

	m.cache.Track(sig.InstrumentKey)
	if err := m.feed.Subscribe(sig.InstrumentKey); err != nil {
		m.logger.Warn("feed subscribe failed, relying on periodic refresh",
			"instrument", sig.InstrumentKey, "error", err)
	}

	m.logger.Info("position opened",
		"position_id", pos.ID,
		"strategy", pos.StrategyID,
		"instrument", pos.InstrumentKey,
		"qty", qty,
		"fill", fillPrice,
		"mode", m.Mode(),
	)
	return pos, nil
}

// Close sells qty units of the position and returns the exit fill price.
// fullClose releases the feed subscription.
func (m *Manager) Close(ctx context.Context, pos *types.Position, qty int, reason types.ExitReason) (float64, error) {
	if qty <= 0 || qty > pos.Quantity {
		return 0, fmt.Errorf("close: bad quantity %d for position of %d", qty, pos.Quantity)
	}

	ltp := m.referencePrice(pos.InstrumentKey, pos.CurrentPrice)
	var fillPrice float64
	var err error
	if m.Mode() == types.ModeLive {
		fillPrice, err = m.executeLive(ctx, pos.InstrumentKey, qty, "SELL")
		if err != nil {
			return 0, err
		}
	} else {
		vix, _ := m.cache.VIX()
		fillPrice = paperFillPrice(ltp, pos.Symbol, qty, vix, false)
	}

	if qty == pos.Quantity {
		m.cache.Untrack(pos.InstrumentKey)
		if err := m.feed.Unsubscribe(pos.InstrumentKey); err != nil {
			m.logger.Debug("feed unsubscribe failed", "instrument", pos.InstrumentKey, "error", err)
		}
	}

	m.logger.Info("position exit executed",
		"position_id", pos.ID,
		"reason", reason,
		"qty", qty,
		"fill", fillPrice,
		"mode", m.Mode(),
	)
	return fillPrice, nil
}

// referencePrice prefers the push-updated cache price over the caller's
// fallback.
func (m *Manager) referencePrice(instrumentKey string, fallback float64) float64 {
	if p, ok := m.cache.LatestPrice(instrumentKey); ok && p > 0 {
		return p
	}
	return fallback
}

// executeLive submits a market order and tracks it to a terminal state.
func (m *Manager) executeLive(ctx context.Context, instrumentKey string, qty int, transType string) (float64, error) {
	if m.api == nil {
		return 0, fmt.Errorf("live mode without broker client")
	}

	orderID, err := m.api.PlaceOrder(ctx, broker.OrderRequest{
		InstrumentKey: instrumentKey,
		Quantity:      qty,
		TransType:     transType,
		OrderType:     "MARKET",
		Product:       "I",
	})
	if err != nil {
		return 0, fmt.Errorf("place %s: %w", transType, err)
	}

	price, err := m.awaitFill(ctx, orderID)
	if err == nil {
		return price, nil
	}
	if errors.Is(err, ErrRejected) {
		return 0, err
	}

	// Timed out or lost track: cancel so a zombie order cannot fill later.
	m.cancelWithRetry(orderID)
	return 0, fmt.Errorf("order %s not filled: %w", orderID, err)
}

// awaitFill polls order status until FILLED, a rejection, or timeout.
func (m *Manager) awaitFill(ctx context.Context, orderID string) (float64, error) {
	deadline := time.NewTimer(m.orderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, fmt.Errorf("fill timeout after %s", m.orderTimeout)
		case <-ticker.C:
			detail, err := m.api.GetOrder(ctx, orderID)
			if err != nil {
				m.logger.Warn("order status poll failed", "order_id", orderID, "error", err)
				continue
			}
			switch broker.State(detail.Status) {
			case types.OrderFilled:
				return detail.AveragePrice, nil
			case types.OrderRejected:
				return 0, fmt.Errorf("%w: %s", ErrRejected, detail.StatusMessage)
			case types.OrderCancelled:
				return 0, fmt.Errorf("order cancelled upstream")
			}
		}
	}
}

// cancelWithRetry attempts cancellation with exponential backoff. Uses a
// background context: cancellation must proceed even when the caller's
// context is already dead.
func (m *Manager) cancelWithRetry(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.orderTimeout)
	defer cancel()

	backoff := cancelBackoffBase
	for attempt := 1; attempt <= cancelAttempts; attempt++ {
		if err := m.api.CancelOrder(ctx, orderID); err == nil {
			m.logger.Info("order cancelled", "order_id", orderID, "attempt", attempt)
			return
		} else if attempt < cancelAttempts {
			m.logger.Warn("cancel failed, retrying",
				"order_id", orderID, "attempt", attempt, "backoff", backoff, "error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	m.logger.Error("cancel failed after retries, manual intervention may be required",
		"order_id", orderID)
}
