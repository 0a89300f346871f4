// feed.go implements the streaming tick feed.
//
// One WebSocket connection carries per-instrument ticks for every
// subscribed key. The feed auto-reconnects with exponential backoff
// (1s → 30s max) and re-subscribes the full tracked set on reconnection,
// so the consumer always ends up watching the union of the base watch list
// and the open-position instrument keys. A read deadline detects silent
// server failures within ~2 missed pings.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"indiaoptions-bot/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 512
)

// feedSubscribeMsg is the subscription control frame.
type feedSubscribeMsg struct {
	Action         string   `json:"action"` // subscribe | unsubscribe
	InstrumentKeys []string `json:"instrument_keys"`
}

// feedFrame is one inbound message: a batch of ticks keyed by instrument.
type feedFrame struct {
	Type  string `json:"type"` // live_feed | ack | error
	Feeds map[string]struct {
		LTP    float64 `json:"ltp"`
		LTT    int64   `json:"ltt"` // ms since epoch
		Bid    float64 `json:"bid,omitempty"`
		Ask    float64 `json:"ask,omitempty"`
		OI     int64   `json:"oi,omitempty"`
		IV     float64 `json:"iv,omitempty"`
		Greeks *struct {
			Delta float64 `json:"delta"`
			Gamma float64 `json:"gamma"`
			Theta float64 `json:"theta"`
			Vega  float64 `json:"vega"`
		} `json:"greeks,omitempty"`
	} `json:"feeds"`
	Message string `json:"message,omitempty"`
}

// TickFeed manages the streaming connection: lifecycle, subscription
// tracking, tick routing, and reconnection.
type TickFeed struct {
	url    string
	tokens *TokenSource

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickCh chan types.Tick
	logger *slog.Logger
}

// NewTickFeed creates a feed for the given streaming endpoint.
func NewTickFeed(wsURL string, tokens *TokenSource, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		url:        wsURL,
		tokens:     tokens,
		subscribed: make(map[string]bool),
		tickCh:     make(chan types.Tick, tickBufferSize),
		logger:     logger.With("component", "tick_feed"),
	}
}

// Ticks returns the read-only tick stream.
func (f *TickFeed) Ticks() <-chan types.Tick { return f.tickCh }

// Run connects and maintains the feed with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *TickFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("tick feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds instrument keys to the tracked set and, when connected,
// pushes the subscription to the server. Tracked keys survive reconnects.
func (f *TickFeed) Subscribe(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, k := range keys {
		f.subscribed[k] = true
	}
	f.subscribedMu.Unlock()

	err := f.writeJSON(feedSubscribeMsg{Action: "subscribe", InstrumentKeys: keys})
	if err != nil {
		// Not connected: the initial subscription on reconnect covers it.
		f.logger.Debug("subscribe deferred to reconnect", "error", err)
		return nil
	}
	return nil
}

// Unsubscribe removes keys from the tracked set.
func (f *TickFeed) Unsubscribe(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, k := range keys {
		delete(f.subscribed, k)
	}
	f.subscribedMu.Unlock()

	if err := f.writeJSON(feedSubscribeMsg{Action: "unsubscribe", InstrumentKeys: keys}); err != nil {
		f.logger.Debug("unsubscribe deferred to reconnect", "error", err)
	}
	return nil
}

// Subscribed returns the tracked instrument keys.
func (f *TickFeed) Subscribed() []string {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	keys := make([]string, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	return keys
}

// Close shuts the connection; Run will attempt to reconnect unless its
// context is cancelled.
func (f *TickFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickFeed) connectAndRead(ctx context.Context) error {
	header := map[string][]string{
		"Authorization": {"Bearer " + f.tokens.Token()},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	f.logger.Info("tick feed connected", "tracked", len(f.Subscribed()))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchFrame(msg)
	}
}

func (f *TickFeed) resubscribeAll() error {
	keys := f.Subscribed()
	if len(keys) == 0 {
		return nil
	}
	return f.writeJSON(feedSubscribeMsg{Action: "subscribe", InstrumentKeys: keys})
}

func (f *TickFeed) dispatchFrame(data []byte) {
	var frame feedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json feed message")
		return
	}

	switch frame.Type {
	case "live_feed":
		for key, fd := range frame.Feeds {
			tick := types.Tick{
				InstrumentKey: key,
				LTP:           fd.LTP,
				LTT:           time.UnixMilli(fd.LTT),
				Bid:           fd.Bid,
				Ask:           fd.Ask,
				OI:            fd.OI,
				IV:            fd.IV,
			}
			if fd.Greeks != nil {
				tick.Greeks = &types.Greeks{
					Delta: fd.Greeks.Delta,
					Gamma: fd.Greeks.Gamma,
					Theta: fd.Greeks.Theta,
					Vega:  fd.Greeks.Vega,
				}
			}
			select {
			case f.tickCh <- tick:
			default:
				f.logger.Warn("tick channel full, dropping tick", "instrument", key)
			}
		}
	case "error":
		f.logger.Error("feed error frame", "message", frame.Message)
	case "ack", "":
		// Subscription acknowledgements need no action.
	default:
		f.logger.Debug("unknown feed frame type", "type", frame.Type)
	}
}

func (f *TickFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("tick feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("tick feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
