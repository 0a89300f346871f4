// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading engine — option
// legs and chains, signals, positions, trades, and tick payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the option side a long trade buys: CALL or PUT.
type Side string

const (
	CALL Side = "CALL"
	PUT  Side = "PUT"
)

// PositionState is the lifecycle state of an open position.
// Transitions are monotone: OPEN → PARTIAL → CLOSED, never backward.
type PositionState string

const (
	PositionOpen    PositionState = "OPEN"
	PositionPartial PositionState = "PARTIAL"
	PositionClosed  PositionState = "CLOSED"
)

// OrderState tracks a broker order through its lifecycle.
type OrderState string

const (
	OrderNew       OrderState = "NEW"
	OrderSubmitted OrderState = "SUBMITTED"
	OrderPartial   OrderState = "PARTIAL"
	OrderFilled    OrderState = "FILLED"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitTarget   ExitReason = "TARGET"
	ExitStopLoss ExitReason = "STOPLOSS"
	ExitEOD      ExitReason = "EOD"
	ExitReversal ExitReason = "REVERSAL"
	ExitManual   ExitReason = "MANUAL"
	ExitCircuit  ExitReason = "CIRCUIT"
)

// TradingMode selects paper (simulated fills) or live execution.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// MarketRegime is the coarse market-condition tag derived from VIX and trend.
type MarketRegime string

const (
	RegimeTrendingUp   MarketRegime = "trending_up"
	RegimeTrendingDown MarketRegime = "trending_down"
	RegimeRangebound   MarketRegime = "rangebound"
	RegimeHighVol      MarketRegime = "high_volatility"
)

// LotSize returns the minimum tradable quantity for an index underlying.
// Quantity on positions and trades always counts units, in multiples of this.
func LotSize(symbol string) int {
	switch symbol {
	case "NIFTY":
		return 75
	case "BANKNIFTY":
		return 15
	case "SENSEX":
		return 20
	default:
		return 75
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Greeks holds the option sensitivities for one leg.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// OptionLeg is one side (CALL or PUT) at one strike of an option chain.
// All numeric fields are non-negative except the Greeks.
type OptionLeg struct {
	InstrumentKey string  `json:"instrument_key"` // broker identity, never parsed
	Strike        float64 `json:"strike"`
	Side          Side    `json:"side"`
	LTP           float64 `json:"ltp"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	OI            int64   `json:"oi"`
	OIChange      int64   `json:"oi_change"`
	Volume        int64   `json:"volume"`
	IV            float64 `json:"iv"`
	Greeks        Greeks  `json:"greeks"`
}

// StrikePair groups the CALL and PUT legs at one strike.
type StrikePair struct {
	Strike float64    `json:"strike"`
	Call   *OptionLeg `json:"call,omitempty"`
	Put    *OptionLeg `json:"put,omitempty"`
}

// OptionChain is the full chain for one underlying+expiry plus derived
// aggregates. A chain is immutable once built; refreshes replace it whole.
type OptionChain struct {
	Symbol      string       `json:"symbol"`
	Expiry      string       `json:"expiry"` // 2006-01-02
	Spot        float64      `json:"spot"`
	Strikes     []StrikePair `json:"strikes"` // ascending by strike
	TotalCallOI int64        `json:"total_call_oi"`
	TotalPutOI  int64        `json:"total_put_oi"`
	PCR         float64      `json:"pcr"`
	MaxPain     float64      `json:"max_pain"`
	ATMStrike   float64      `json:"atm_strike"`
	FetchedAt   time.Time    `json:"fetched_at"` // IST
}

// Indicators are technical values computed from the rolling spot window.
type Indicators struct {
	RSI        float64 `json:"rsi"`
	BollUpper  float64 `json:"boll_upper"`
	BollMiddle float64 `json:"boll_middle"`
	BollLower  float64 `json:"boll_lower"`
	ATR        float64 `json:"atr"`
	VWAP       float64 `json:"vwap"`
	VWAPZScore float64 `json:"vwap_z"`
	Return1m   float64 `json:"return_1m"`
	Return5m   float64 `json:"return_5m"`
}

// Tick is a single push update for one instrument from the streaming feed.
// LTT is the last-traded timestamp reported by the exchange.
type Tick struct {
	InstrumentKey string    `json:"instrument_key"`
	LTP           float64   `json:"ltp"`
	LTT           time.Time `json:"ltt"`
	Bid           float64   `json:"bid,omitempty"`
	Ask           float64   `json:"ask,omitempty"`
	OI            int64     `json:"oi,omitempty"`
	IV            float64   `json:"iv,omitempty"`
	Greeks        *Greeks   `json:"greeks,omitempty"`
}

// Quote is a REST quote for one instrument.
type Quote struct {
	InstrumentKey string    `json:"instrument_key"`
	LTP           float64   `json:"ltp"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Volume        int64     `json:"volume"`
	Timestamp     time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// MarketContext captures the market backdrop at signal or exit time.
type MarketContext struct {
	Spot float64 `json:"spot"`
	IV   float64 `json:"iv"`
	VIX  float64 `json:"vix"`
	PCR  float64 `json:"pcr"`
}

// Signal is one trade idea produced by a strategy. Immutable once produced.
// StrategyID is always the canonical snake_case form. MLProbability is zero
// until the scorer fills it.
type Signal struct {
	StrategyID    string        `json:"strategy_id"`
	Symbol        string        `json:"symbol"`
	Direction     Side          `json:"direction"`
	Strike        float64       `json:"strike"`
	Expiry        string        `json:"expiry"`
	InstrumentKey string        `json:"instrument_key"`
	EntryPrice    float64       `json:"entry_price"`
	TargetPrice   float64       `json:"target_price"`
	StopLoss      float64       `json:"stop_loss"`
	T1            float64       `json:"t1,omitempty"`
	T2            float64       `json:"t2,omitempty"`
	T3            float64       `json:"t3,omitempty"`
	Strength      float64       `json:"strength"` // 0..100
	MLProbability float64       `json:"ml_probability"`
	Reason        string        `json:"reason"`
	Greeks        Greeks        `json:"greeks"`
	Context       MarketContext `json:"context"`
	GeneratedAt   time.Time     `json:"generated_at"` // IST
}

// RiskReward returns target distance over stop distance for a long option.
// Zero when the stop distance is not positive.
func (s Signal) RiskReward() float64 {
	risk := s.EntryPrice - s.StopLoss
	reward := s.TargetPrice - s.EntryPrice
	if risk <= 0 {
		return 0
	}
	return reward / risk
}

// SignalOutcome records what the kernel did with a scored signal.
type SignalOutcome string

const (
	OutcomeExecuted        SignalOutcome = "executed"
	OutcomeBlockedByRisk   SignalOutcome = "blocked_by_risk"
	OutcomeExecutionFailed SignalOutcome = "execution_failed"
)

// SignalRecord is one entry in the bounded recent-signals ring.
type SignalRecord struct {
	Signal  Signal        `json:"signal"`
	Outcome SignalOutcome `json:"outcome"`
	Detail  string        `json:"detail,omitempty"`
	At      time.Time     `json:"at"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and trades
// ————————————————————————————————————————————————————————————————————————

// Position is a live long option holding. Created by the order manager on
// fill; price/state mutated only by the risk-monitoring loop and the order
// manager, under the tracker's per-position lock.
type Position struct {
	ID            string        `json:"id"`
	InstrumentKey string        `json:"instrument_key"`
	Symbol        string        `json:"symbol"`
	Direction     Side          `json:"direction"`
	Strike        float64       `json:"strike"`
	Expiry        string        `json:"expiry"`
	Quantity      int           `json:"quantity"` // units, multiple of lot size
	EntryPrice    float64       `json:"entry_price"`
	EntryTime     time.Time     `json:"entry_time"` // IST
	CurrentPrice  float64       `json:"current_price"`
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	TargetPrice   float64       `json:"target_price"`
	StopLoss      float64       `json:"stop_loss"`
	T1            float64       `json:"t1,omitempty"`
	T2            float64       `json:"t2,omitempty"`
	T3            float64       `json:"t3,omitempty"`
	LaddersDone   int           `json:"ladders_done"` // rungs already exited (0..2)
	State         PositionState `json:"state"`
	StrategyID    string        `json:"strategy_id"`
	EntryRegime   MarketRegime  `json:"entry_regime"`
	EntryContext  MarketContext `json:"entry_context"`
	EntryVIX      float64       `json:"entry_vix"`
	EntryHour     int           `json:"entry_hour"`
	EntryMinute   int           `json:"entry_minute"`
	EntryWeekday  int           `json:"entry_weekday"`
}

// FeeBreakdown decomposes transaction costs for one round trip.
type FeeBreakdown struct {
	Brokerage float64 `json:"brokerage"`
	STT       float64 `json:"stt"`
	Exchange  float64 `json:"exchange"`
	GST       float64 `json:"gst"`
	SEBI      float64 `json:"sebi"`
	Stamp     float64 `json:"stamp"`
	Total     float64 `json:"total"`
}

// Trade is the immutable record of a closed position (or closed ladder rung).
type Trade struct {
	ID            string        `json:"id"`
	PositionID    string        `json:"position_id"`
	InstrumentKey string        `json:"instrument_key"`
	Symbol        string        `json:"symbol"`
	Direction     Side          `json:"direction"`
	Strike        float64       `json:"strike"`
	Expiry        string        `json:"expiry"`
	Quantity      int           `json:"quantity"`
	EntryPrice    float64       `json:"entry_price"`
	EntryTime     time.Time     `json:"entry_time"`
	ExitPrice     float64       `json:"exit_price"`
	ExitTime      time.Time     `json:"exit_time"`
	ExitReason    ExitReason    `json:"exit_reason"`
	GrossPnL      float64       `json:"gross_pnl"`
	Fees          FeeBreakdown  `json:"fees"`
	NetPnL        float64       `json:"net_pnl"`
	StrategyID    string        `json:"strategy_id"`
	EntryContext  MarketContext `json:"entry_context"`
	ExitContext   MarketContext `json:"exit_context"`
	HoldDuration  time.Duration `json:"hold_duration"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy registry
// ————————————————————————————————————————————————————————————————————————

// StrategyDescriptor is the declarative entry for one registered strategy.
type StrategyDescriptor struct {
	ID         string  `json:"id"`         // canonical snake_case
	Name       string  `json:"name"`       // human display name
	Weight     float64 `json:"weight"`     // 0..100
	Allocation float64 `json:"allocation"` // fraction of capital, 0..1
	Enabled    bool    `json:"enabled"`
}
