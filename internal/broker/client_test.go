package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"indiaoptions-bot/internal/config"
	"indiaoptions-bot/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.BrokerConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		QuoteRPS:       100,
		OrderRPS:       100,
	}
	tokens := NewTokenSource("test-token", time.Time{}, nil, discardLogger())
	return NewClient(cfg, tokens, discardLogger())
}

func TestGetQuotes(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/market-quote/quotes" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		if got := r.URL.Query().Get("instrument_key"); got != "A,B" {
			t.Errorf("instrument_key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"A": map[string]any{"last_price": 82.5, "bid_price": 82.4, "ask_price": 82.6, "volume": 1200},
				"B": map[string]any{"last_price": 19.8},
			},
		})
	}))

	quotes, err := c.GetQuotes(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes", len(quotes))
	}
	if q := quotes["A"]; q.LTP != 82.5 || q.Bid != 82.4 || q.InstrumentKey != "A" {
		t.Errorf("quote A = %+v", q)
	}
}

func TestGetOptionChain(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("expiry_date"); got != "2025-03-04" {
			t.Errorf("expiry_date = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": []map[string]any{
				{
					"expiry": "2025-03-04", "strike_price": 22500.0, "underlying_spot_price": 22480.0,
					"call_options": map[string]any{
						"instrument_key": "CK1",
						"market_data":    map[string]any{"ltp": 85.2, "oi": 100000, "prev_oi": 90000, "volume": 5000},
						"option_greeks":  map[string]any{"delta": 0.52, "iv": 13.4},
					},
					"put_options": map[string]any{
						"instrument_key": "PK1",
						"market_data":    map[string]any{"ltp": 92.1, "oi": 140000, "prev_oi": 150000},
					},
				},
			},
		})
	}))

	legs, spot, err := c.GetOptionChain(context.Background(), "NIFTY", "2025-03-04")
	if err != nil {
		t.Fatal(err)
	}
	if spot != 22480 {
		t.Errorf("spot = %v", spot)
	}
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(legs))
	}
	call := legs[0]
	if call.Side != types.CALL || call.InstrumentKey != "CK1" || call.OIChange != 10000 {
		t.Errorf("call leg = %+v", call)
	}
	if call.Greeks.Delta != 0.52 || call.IV != 13.4 {
		t.Errorf("call greeks = %+v iv %v", call.Greeks, call.IV)
	}
	put := legs[1]
	if put.Side != types.PUT || put.OIChange != -10000 {
		t.Errorf("put leg = %+v", put)
	}
}

func TestPlaceAndCancelOrder(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/order/place":
			var req OrderRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Quantity != 75 || req.TransType != "BUY" || req.Product != "I" {
				t.Errorf("order request = %+v", req)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"data":   map[string]any{"order_id": "OID-1"},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/v2/order/cancel":
			if got := r.URL.Query().Get("order_id"); got != "OID-1" {
				t.Errorf("cancel order_id = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": map[string]any{}})
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))

	id, err := c.PlaceOrder(context.Background(), OrderRequest{
		InstrumentKey: "CK1", Quantity: 75, TransType: "BUY", OrderType: "MARKET",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "OID-1" {
		t.Errorf("order id = %q", id)
	}
	if err := c.CancelOrder(context.Background(), id); err != nil {
		t.Fatal(err)
	}
}

func TestUnauthorizedIsTagged(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetQuotes(context.Background(), []string{"A"})
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error %v should wrap ErrUnauthorized", err)
	}
}

func TestBrokerErrorEnvelope(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "error",
			"errors": []map[string]any{{"errorCode": "UDAPI1021", "message": "invalid instrument"}},
		})
	}))

	if _, err := c.GetQuotes(context.Background(), []string{"bogus"}); err == nil {
		t.Fatal("broker error envelope should surface as an error")
	}
}

func TestOrderStateMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]types.OrderState{
		"open":      types.OrderSubmitted,
		"partial":   types.OrderPartial,
		"complete":  types.OrderFilled,
		"rejected":  types.OrderRejected,
		"cancelled": types.OrderCancelled,
		"weird":     types.OrderSubmitted,
	}
	for in, want := range cases {
		if got := State(in); got != want {
			t.Errorf("State(%q) = %s, want %s", in, got, want)
		}
	}
}
