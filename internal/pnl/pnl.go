// Package pnl computes deterministic long-only option P&L and the Indian
// transaction-cost schedule. All arithmetic runs on shopspring decimals and
// is rounded to 2 places, so identical inputs always produce identical
// rupee-and-paise outputs.
//
// Quantity counts units throughout (never lots); the lot multiplier is 1.
package pnl

import (
	"github.com/shopspring/decimal"

	"indiaoptions-bot/pkg/types"
)

// Gross returns the gross P&L for a long option round trip, rounded to 2
// decimals.
//
//	CALL: (exit − entry) × qty
//	PUT:  (entry − exit) × qty
func Gross(direction types.Side, entry, exit float64, qty int) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromInt(int64(qty))

	var diff decimal.Decimal
	if direction == types.PUT {
		diff = e.Sub(x)
	} else {
		diff = x.Sub(e)
	}
	f, _ := diff.Mul(q).Round(2).Float64()
	return f
}

// FeeCalculator is the pluggable cost model. Implementations must be pure:
// same inputs, same breakdown.
type FeeCalculator interface {
	Fees(entry, exit float64, qty int) types.FeeBreakdown
}

// Default fee schedule rates for NSE index options.
var (
	brokerageFlat = decimal.NewFromInt(20)                 // per leg, floor
	brokeragePct  = decimal.NewFromFloat(0.0005)           // 0.05% per leg
	sttPct        = decimal.NewFromFloat(0.000625)         // 0.0625% of sell premium
	exchangePct   = decimal.NewFromFloat(0.00053)          // ~0.053% of turnover
	gstPct        = decimal.NewFromFloat(0.18)             // on brokerage + exchange
	sebiPct       = decimal.NewFromFloat(0.000001)         // ₹10 per crore of turnover
	stampPct      = decimal.NewFromFloat(0.00003)          // 0.003% of buy premium
)

// DefaultFees implements the standard Indian options cost schedule.
type DefaultFees struct{}

// Fees decomposes the round-trip cost for a buy at entry and sell at exit.
// Each leg pays brokerage of ₹20 or 0.05% of that leg's premium, whichever
// is higher. Component values and the total are each rounded to 2 decimals;
// Total is the sum of the rounded components, so breakdown and total always
// reconcile exactly.
func (DefaultFees) Fees(entry, exit float64, qty int) types.FeeBreakdown {
	q := decimal.NewFromInt(int64(qty))
	buyTurnover := decimal.NewFromFloat(entry).Mul(q)
	sellTurnover := decimal.NewFromFloat(exit).Mul(q)
	turnover := buyTurnover.Add(sellTurnover)

	brokerage := legBrokerage(buyTurnover).Add(legBrokerage(sellTurnover))
	stt := sellTurnover.Mul(sttPct)
	exchange := turnover.Mul(exchangePct)
	gst := brokerage.Add(exchange).Mul(gstPct)
	sebi := turnover.Mul(sebiPct)
	stamp := buyTurnover.Mul(stampPct)

	brokerage = brokerage.Round(2)
	stt = stt.Round(2)
	exchange = exchange.Round(2)
	gst = gst.Round(2)
	sebi = sebi.Round(2)
	stamp = stamp.Round(2)
	total := brokerage.Add(stt).Add(exchange).Add(gst).Add(sebi).Add(stamp)

	return types.FeeBreakdown{
		Brokerage: mustFloat(brokerage),
		STT:       mustFloat(stt),
		Exchange:  mustFloat(exchange),
		GST:       mustFloat(gst),
		SEBI:      mustFloat(sebi),
		Stamp:     mustFloat(stamp),
		Total:     mustFloat(total),
	}
}

func legBrokerage(turnover decimal.Decimal) decimal.Decimal {
	pct := turnover.Mul(brokeragePct)
	if pct.GreaterThan(brokerageFlat) {
		return pct
	}
	return brokerageFlat
}

// Result bundles the full P&L decomposition for one closed round trip.
type Result struct {
	Gross float64
	Fees  types.FeeBreakdown
	Net   float64
}

// Compute returns gross, fee breakdown, and net for a closed round trip.
// net = gross − fees.Total, rounded to 2 decimals.
func Compute(fc FeeCalculator, direction types.Side, entry, exit float64, qty int) Result {
	gross := Gross(direction, entry, exit, qty)
	fees := fc.Fees(entry, exit, qty)
	net, _ := decimal.NewFromFloat(gross).
		Sub(decimal.NewFromFloat(fees.Total)).
		Round(2).Float64()
	return Result{Gross: gross, Fees: fees, Net: net}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
