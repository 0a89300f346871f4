package broker

import "indiaoptions-bot/pkg/types"

// Wire shapes for the broker REST API. Every response arrives inside an
// envelope with a status discriminator.

type envelope struct {
	Status string `json:"status"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors,omitempty"`
}

type quoteData struct {
	InstrumentKey string  `json:"instrument_key"`
	LastPrice     float64 `json:"last_price"`
	BidPrice      float64 `json:"bid_price"`
	AskPrice      float64 `json:"ask_price"`
	Volume        int64   `json:"volume"`
	Timestamp     string  `json:"timestamp"` // RFC3339
}

type quotesResponse struct {
	envelope
	Data map[string]quoteData `json:"data"` // keyed by instrument key
}

type contractData struct {
	InstrumentKey string  `json:"instrument_key"`
	TradingSymbol string  `json:"trading_symbol"`
	Expiry        string  `json:"expiry"` // 2006-01-02
	StrikePrice   float64 `json:"strike_price"`
	LotSize       int     `json:"lot_size"`
	OptionType    string  `json:"instrument_type"` // CE | PE
}

type contractsResponse struct {
	envelope
	Data []contractData `json:"data"`
}

type chainGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

type chainSide struct {
	InstrumentKey string `json:"instrument_key"`
	MarketData    struct {
		LTP      float64 `json:"ltp"`
		BidPrice float64 `json:"bid_price"`
		AskPrice float64 `json:"ask_price"`
		OI       int64   `json:"oi"`
		PrevOI   int64   `json:"prev_oi"`
		Volume   int64   `json:"volume"`
	} `json:"market_data"`
	Greeks chainGreeks `json:"option_greeks"`
}

type chainRow struct {
	Expiry       string     `json:"expiry"`
	StrikePrice  float64    `json:"strike_price"`
	UnderlyingPx float64    `json:"underlying_spot_price"`
	Call         *chainSide `json:"call_options,omitempty"`
	Put          *chainSide `json:"put_options,omitempty"`
}

type chainResponse struct {
	envelope
	Data []chainRow `json:"data"`
}

// OrderRequest is a broker order submission.
type OrderRequest struct {
	InstrumentKey string  `json:"instrument_token"`
	Quantity      int     `json:"quantity"`
	TransType     string  `json:"transaction_type"` // BUY | SELL
	OrderType     string  `json:"order_type"`       // MARKET | LIMIT
	Price         float64 `json:"price,omitempty"`
	Product       string  `json:"product"` // I = intraday
	Tag           string  `json:"tag,omitempty"`
}

type orderAckResponse struct {
	envelope
	Data struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

// OrderDetail is the broker view of one order's lifecycle.
type OrderDetail struct {
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status"` // open|complete|rejected|cancelled|partial
	FilledQty     int     `json:"filled_quantity"`
	PendingQty    int     `json:"pending_quantity"`
	AveragePrice  float64 `json:"average_price"`
	StatusMessage string  `json:"status_message,omitempty"`
}

type orderDetailResponse struct {
	envelope
	Data OrderDetail `json:"data"`
}

type positionData struct {
	InstrumentKey string  `json:"instrument_token"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

type positionsResponse struct {
	envelope
	Data []positionData `json:"data"`
}

// State maps a broker order status string to the internal order state.
func State(status string) types.OrderState {
	switch status {
	case "open", "trigger pending", "validation pending":
		return types.OrderSubmitted
	case "partial":
		return types.OrderPartial
	case "complete":
		return types.OrderFilled
	case "rejected":
		return types.OrderRejected
	case "cancelled":
		return types.OrderCancelled
	default:
		return types.OrderSubmitted
	}
}

// OptionContract is one discovered contract for an underlying.
type OptionContract struct {
	InstrumentKey string
	TradingSymbol string
	Expiry        string
	Strike        float64
	Side          types.Side
	LotSize       int
}

// BrokerPosition is one row of the broker's intraday position book.
type BrokerPosition struct {
	InstrumentKey string
	Quantity      int
	AveragePrice  float64
	LastPrice     float64
	PnL           float64
}
