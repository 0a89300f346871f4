// Package broker implements the REST and streaming adapters for the
// exchange-facing broker API.
//
// The REST client (Client) covers market data and order management:
//   - GetQuotes:           GET  /v2/market-quote/quotes    — batch quotes by instrument key
//   - GetOptionContracts:  GET  /v2/option/contract        — contract discovery per underlying
//   - GetOptionChain:      GET  /v2/option/chain           — full chain for one expiry
//   - PlaceOrder:          POST /v2/order/place
//   - CancelOrder:         DELETE /v2/order/cancel
//   - GetOrder:            GET  /v2/order/details
//   - GetPositions:        GET  /v2/portfolio/positions
//
// Every request waits on its rate-limit bucket, rides a shared circuit
// breaker so a dead upstream fails fast instead of stacking timeouts, and
// retries 5xx responses with backoff. Authentication is a bearer token
// owned by the TokenSource.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/pkg/types"
)

// Instrument keys for index spot and India VIX quotes.
const (
	vixInstrumentKey = "NSE_INDEX|India VIX"
)

// IndexKey returns the spot instrument key for an underlying symbol.
func IndexKey(symbol string) string {
	switch symbol {
	case "SENSEX":
		return "BSE_INDEX|SENSEX"
	case "BANKNIFTY":
		return "NSE_INDEX|Nifty Bank"
	default:
		return "NSE_INDEX|Nifty 50"
	}
}

// Client is the broker REST client.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	cb     *gobreaker.CircuitBreaker
	tokens *TokenSource
	logger *slog.Logger
}

// NewClient builds the REST client from broker config.
func NewClient(cfg config.BrokerConfig, tokens *TokenSource, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker transport breaker state change",
				"from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(cfg.QuoteRPS, cfg.OrderRPS),
		cb:     cb,
		tokens: tokens,
		logger: logger.With("component", "broker"),
	}
}

// execute runs fn through the transport breaker.
func (c *Client) execute(fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetAuthToken(c.tokens.Token())
}

func checkStatus(resp *resty.Response, env envelope, op string) error {
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	if env.Status != "" && env.Status != "success" {
		if len(env.Errors) > 0 {
			return fmt.Errorf("%s: %s: %s", op, env.Errors[0].ErrorCode, env.Errors[0].Message)
		}
		return fmt.Errorf("%s: broker status %q", op, env.Status)
	}
	return nil
}

// ErrUnauthorized marks an expired or revoked access token; callers refresh
// once and then escalate.
var ErrUnauthorized = fmt.Errorf("broker: unauthorized")

// GetQuotes fetches a batch of quotes by instrument key.
func (c *Client) GetQuotes(ctx context.Context, instrumentKeys []string) (map[string]types.Quote, error) {
	if len(instrumentKeys) == 0 {
		return nil, nil
	}
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	var result quotesResponse
	err := c.execute(func() error {
		resp, err := c.request(ctx).
			SetQueryParam("instrument_key", strings.Join(instrumentKeys, ",")).
			SetResult(&result).
			Get("/v2/market-quote/quotes")
		if err != nil {
			return fmt.Errorf("get quotes: %w", err)
		}
		return checkStatus(resp, result.envelope, "get quotes")
	})
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]types.Quote, len(result.Data))
	for key, q := range result.Data {
		ts, _ := time.Parse(time.RFC3339, q.Timestamp)
		quotes[key] = types.Quote{
			InstrumentKey: orKey(q.InstrumentKey, key),
			LTP:           q.LastPrice,
			Bid:           q.BidPrice,
			Ask:           q.AskPrice,
			Volume:        q.Volume,
			Timestamp:     ts,
		}
	}
	return quotes, nil
}

// GetSpot returns the index spot LTP for an underlying.
func (c *Client) GetSpot(ctx context.Context, symbol string) (float64, error) {
	key := IndexKey(symbol)
	quotes, err := c.GetQuotes(ctx, []string{key})
	if err != nil {
		return 0, err
	}
	q, ok := quotes[key]
	if !ok || q.LTP <= 0 {
		return 0, fmt.Errorf("get spot %s: no usable quote", symbol)
	}
	return q.LTP, nil
}

// GetVIX returns the current India VIX level.
func (c *Client) GetVIX(ctx context.Context) (float64, error) {
	quotes, err := c.GetQuotes(ctx, []string{vixInstrumentKey})
	if err != nil {
		return 0, err
	}
	q, ok := quotes[vixInstrumentKey]
	if !ok || q.LTP <= 0 {
		return 0, fmt.Errorf("get vix: no usable quote")
	}
	return q.LTP, nil
}

// GetOptionContracts discovers tradable contracts for an underlying.
func (c *Client) GetOptionContracts(ctx context.Context, symbol string) ([]OptionContract, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, err
	}

	var result contractsResponse
	err := c.execute(func() error {
		resp, err := c.request(ctx).
			SetQueryParam("instrument_key", IndexKey(symbol)).
			SetResult(&result).
			Get("/v2/option/contract")
		if err != nil {
			return fmt.Errorf("get contracts: %w", err)
		}
		return checkStatus(resp, result.envelope, "get contracts")
	})
	if err != nil {
		return nil, err
	}

	contracts := make([]OptionContract, 0, len(result.Data))
	for _, d := range result.Data {
		side := types.CALL
		if d.OptionType == "PE" {
			side = types.PUT
		}
		contracts = append(contracts, OptionContract{
			InstrumentKey: d.InstrumentKey,
			TradingSymbol: d.TradingSymbol,
			Expiry:        d.Expiry,
			Strike:        d.StrikePrice,
			Side:          side,
			LotSize:       d.LotSize,
		})
	}
	return contracts, nil
}

// GetOptionChain fetches the chain for one underlying and expiry. Legs with
// non-positive LTPs are kept (deep OTM options legitimately trade near
// zero); legs with missing market data are dropped.
func (c *Client) GetOptionChain(ctx context.Context, symbol, expiry string) ([]types.OptionLeg, float64, error) {
	if err := c.rl.Quote.Wait(ctx); err != nil {
		return nil, 0, err
	}

	var result chainResponse
	err := c.execute(func() error {
		resp, err := c.request(ctx).
			SetQueryParam("instrument_key", IndexKey(symbol)).
			SetQueryParam("expiry_date", expiry).
			SetResult(&result).
			Get("/v2/option/chain")
		if err != nil {
			return fmt.Errorf("get chain: %w", err)
		}
		return checkStatus(resp, result.envelope, "get chain")
	})
	if err != nil {
		return nil, 0, err
	}

	var spot float64
	legs := make([]types.OptionLeg, 0, len(result.Data)*2)
	for _, row := range result.Data {
		if row.UnderlyingPx > 0 {
			spot = row.UnderlyingPx
		}
		if leg, ok := chainLeg(row, row.Call, types.CALL); ok {
			legs = append(legs, leg)
		}
		if leg, ok := chainLeg(row, row.Put, types.PUT); ok {
			legs = append(legs, leg)
		}
	}
	return legs, spot, nil
}

func chainLeg(row chainRow, side *chainSide, s types.Side) (types.OptionLeg, bool) {
	if side == nil || side.InstrumentKey == "" {
		return types.OptionLeg{}, false
	}
	return types.OptionLeg{
		InstrumentKey: side.InstrumentKey,
		Strike:        row.StrikePrice,
		Side:          s,
		LTP:           side.MarketData.LTP,
		Bid:           side.MarketData.BidPrice,
		Ask:           side.MarketData.AskPrice,
		OI:            side.MarketData.OI,
		OIChange:      side.MarketData.OI - side.MarketData.PrevOI,
		Volume:        side.MarketData.Volume,
		IV:            side.Greeks.IV,
		Greeks: types.Greeks{
			Delta: side.Greeks.Delta,
			Gamma: side.Greeks.Gamma,
			Theta: side.Greeks.Theta,
			Vega:  side.Greeks.Vega,
		},
	}, true
}

// PlaceOrder submits an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	if req.Product == "" {
		req.Product = "I"
	}

	var result orderAckResponse
	err := c.execute(func() error {
		resp, err := c.request(ctx).
			SetBody(req).
			SetResult(&result).
			Post("/v2/order/place")
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		return checkStatus(resp, result.envelope, "place order")
	})
	if err != nil {
		return "", err
	}
	return result.Data.OrderID, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	var result orderAckResponse
	return c.execute(func() error {
		resp, err := c.request(ctx).
			SetQueryParam("order_id", orderID).
			SetResult(&result).
			Delete("/v2/order/cancel")
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		return checkStatus(resp, result.envelope, "cancel order")
	})
}

// GetOrder fetches the current lifecycle state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderDetail, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return OrderDetail{}, err
	}

	var result orderDetailResponse
	err := c.execute(func() error {
		resp, err := c.request(ctx).
			SetQueryParam("order_id", orderID).
			SetResult(&result).
			Get("/v2/order/details")
		if err != nil {
			return fmt.Errorf("get order: %w", err)
		}
		return checkStatus(resp, result.envelope, "get order")
	})
	if err != nil {
		return OrderDetail{}, err
	}
	return result.Data, nil
}

// GetPositions fetches the broker's intraday position book, used to
// reconcile local state after a restart.
func (c *Client) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result positionsResponse
	err := c.execute(func() error {
		resp, err := c.request(ctx).
			SetResult(&result).
			Get("/v2/portfolio/positions")
		if err != nil {
			return fmt.Errorf("get positions: %w", err)
		}
		return checkStatus(resp, result.envelope, "get positions")
	})
	if err != nil {
		return nil, err
	}

	positions := make([]BrokerPosition, 0, len(result.Data))
	for _, p := range result.Data {
		positions = append(positions, BrokerPosition{
			InstrumentKey: p.InstrumentKey,
			Quantity:      p.Quantity,
			AveragePrice:  p.AveragePrice,
			LastPrice:     p.LastPrice,
			PnL:           p.PnL,
		})
	}
	return positions, nil
}

func orKey(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}
