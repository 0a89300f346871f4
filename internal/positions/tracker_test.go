package positions

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"indiaoptions-bot/internal/marketstate"
	"indiaoptions-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func callPosition(id string, qty int) *types.Position {
	return &types.Position{
		ID:            id,
		InstrumentKey: "CK1",
		Symbol:        "NIFTY",
		Direction:     types.CALL,
		Strike:        22500,
		Quantity:      qty,
		EntryPrice:    100,
		CurrentPrice:  100,
		TargetPrice:   140,
		StopLoss:      80,
		T1:            115, T2: 125, T3: 140,
		State:      types.PositionOpen,
		StrategyID: "pcr_analysis",
	}
}

func TestApplyPriceMarksToMarket(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))

	tr.ApplyPrice("CK1", 104)
	p, _ := tr.Get("p1")
	if p.CurrentPrice != 104 || p.UnrealizedPnL != 300 {
		t.Errorf("price %v pnl %v, want 104 / 300", p.CurrentPrice, p.UnrealizedPnL)
	}

	// Unknown instrument is a no-op.
	tr.ApplyPrice("other", 50)
	if p, _ := tr.Get("p1"); p.CurrentPrice != 104 {
		t.Errorf("unrelated tick moved the position to %v", p.CurrentPrice)
	}
}

func TestPutUnrealisedSign(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	put := callPosition("p1", 40)
	put.Direction = types.PUT
	put.EntryPrice = 312.60
	tr.Add(put)

	tr.ApplyPrice("CK1", 324.75)
	p, _ := tr.Get("p1")
	if p.UnrealizedPnL > -485.9 || p.UnrealizedPnL < -486.1 {
		t.Errorf("put unrealised = %v, want -486.00", p.UnrealizedPnL)
	}
}

func TestTicksAfterCloseDiscarded(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))
	tr.ApplyPrice("CK1", 70) // under stop
	orders := tr.EvaluateExits(EvalInput{})
	if len(orders) != 1 || orders[0].Reason != types.ExitStopLoss {
		t.Fatalf("orders = %+v", orders)
	}
	tr.RecordExit(orders[0], 70, time.Now())

	tr.ApplyPrice("CK1", 120)
	p, _ := tr.Get("p1")
	if p.State != types.PositionClosed || p.CurrentPrice != 70 {
		t.Errorf("closed position accepted a tick: %+v", p)
	}
	if tr.CountOpen() != 0 {
		t.Errorf("open count = %d", tr.CountOpen())
	}
}

func TestStopLossFullExit(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 150))
	tr.ApplyPrice("CK1", 80) // exactly at stop triggers

	orders := tr.EvaluateExits(EvalInput{})
	if len(orders) != 1 {
		t.Fatalf("got %d orders", len(orders))
	}
	if o := orders[0]; o.Reason != types.ExitStopLoss || o.Quantity != 150 {
		t.Errorf("order = %+v", o)
	}
}

func TestLadderRungs(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 300)) // rung = 300/3 floored to lot 75

	// T1 hit: one rung.
	tr.ApplyPrice("CK1", 116)
	orders := tr.EvaluateExits(EvalInput{})
	if len(orders) != 1 {
		t.Fatalf("T1: got %d orders", len(orders))
	}
	o := orders[0]
	if o.Quantity != 75 || o.Rungs != 1 || o.Reason != types.ExitTarget {
		t.Fatalf("T1 order = %+v", o)
	}
	pos, closed := tr.RecordExit(o, 115.5, time.Now())
	if closed || pos.State != types.PositionPartial || pos.Quantity != 225 || pos.LaddersDone != 1 {
		t.Fatalf("after T1: %+v closed=%v", pos, closed)
	}

	// Price jumps straight through T3: everything left goes.
	tr.ApplyPrice("CK1", 141)
	orders = tr.EvaluateExits(EvalInput{})
	if len(orders) != 1 {
		t.Fatalf("T3: got %d orders", len(orders))
	}
	o = orders[0]
	if o.Quantity != 225 || o.Rungs != 2 {
		t.Fatalf("T3 order = %+v", o)
	}
	pos, closed = tr.RecordExit(o, 140.2, time.Now())
	if !closed || pos.State != types.PositionClosed || pos.Quantity != 0 {
		t.Fatalf("after T3: %+v closed=%v", pos, closed)
	}
}

func TestLadderSkipsStraightToT2(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 300))
	tr.ApplyPrice("CK1", 126) // past T2, below T3

	orders := tr.EvaluateExits(EvalInput{})
	if len(orders) != 1 {
		t.Fatalf("got %d orders", len(orders))
	}
	if o := orders[0]; o.Quantity != 150 || o.Rungs != 2 {
		t.Errorf("order = %+v, want both pending rungs in one exit", o)
	}
}

func TestOneLotLadderWaitsForT3(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75)) // one lot: a third floors to zero

	tr.ApplyPrice("CK1", 120)
	if orders := tr.EvaluateExits(EvalInput{}); len(orders) != 0 {
		t.Fatalf("one-lot position peeled early: %+v", orders)
	}

	tr.ApplyPrice("CK1", 140)
	orders := tr.EvaluateExits(EvalInput{})
	if len(orders) != 1 || orders[0].Quantity != 75 {
		t.Fatalf("orders = %+v", orders)
	}
}

func TestForcedEODClosesWholeBook(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))
	p2 := callPosition("p2", 150)
	p2.InstrumentKey = "PK1"
	tr.Add(p2)

	orders := tr.EvaluateExits(EvalInput{EODNow: true})
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want both positions in one pass", len(orders))
	}
	for _, o := range orders {
		if o.Reason != types.ExitEOD {
			t.Errorf("order %s reason = %s", o.PositionID, o.Reason)
		}
	}
}

func TestCircuitBeatsEverything(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))
	tr.ApplyPrice("CK1", 70) // also under stop

	orders := tr.EvaluateExits(EvalInput{CircuitOpen: true, EODNow: true})
	if len(orders) != 1 || orders[0].Reason != types.ExitCircuit {
		t.Errorf("orders = %+v, want CIRCUIT to win", orders)
	}
}

func TestPendingExitNotReplanned(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))
	tr.ApplyPrice("CK1", 70)

	first := tr.EvaluateExits(EvalInput{})
	if len(first) != 1 {
		t.Fatalf("first pass: %d orders", len(first))
	}
	if again := tr.EvaluateExits(EvalInput{}); len(again) != 0 {
		t.Fatalf("in-flight exit planned twice: %+v", again)
	}

	// A failed execution re-arms the position.
	tr.AbortExit("p1")
	if retry := tr.EvaluateExits(EvalInput{}); len(retry) != 1 {
		t.Fatalf("aborted exit not retried: %+v", retry)
	}
}

func TestReversalExit(t *testing.T) {
	t.Parallel()

	det := NewReversalDetector()
	bearish := &marketstate.Snapshot{
		Chain:      &types.OptionChain{PCR: 0.6},
		Indicators: types.Indicators{Return5m: -0.004},
	}

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))
	tr.ApplyPrice("CK1", 95) // above stop, below targets

	orders := tr.EvaluateExits(EvalInput{
		Reversed: func(pos types.Position) bool { return det.Reversed(pos, bearish) },
	})
	if len(orders) != 1 || orders[0].Reason != types.ExitReversal {
		t.Errorf("orders = %+v, want REVERSAL", orders)
	}
}

func TestReversalDetectorTable(t *testing.T) {
	t.Parallel()

	det := NewReversalDetector()
	cases := []struct {
		name string
		dir  types.Side
		pcr  float64
		r5   float64
		want bool
	}{
		{"call both against", types.CALL, 0.6, -0.003, true},
		{"call pcr only", types.CALL, 0.6, 0.001, false},
		{"call momentum only", types.CALL, 1.0, -0.003, false},
		{"put both against", types.PUT, 1.4, 0.003, true},
		{"put neither", types.PUT, 1.0, -0.001, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			snap := &marketstate.Snapshot{
				Chain:      &types.OptionChain{PCR: tc.pcr},
				Indicators: types.Indicators{Return5m: tc.r5},
			}
			pos := types.Position{Direction: tc.dir}
			if got := det.Reversed(pos, snap); got != tc.want {
				t.Errorf("Reversed = %v, want %v", got, tc.want)
			}
		})
	}

	if det.Reversed(types.Position{Direction: types.CALL}, nil) {
		t.Error("nil snapshot must not trigger")
	}
}

func TestOpenInstrumentKeys(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testLogger())
	tr.Add(callPosition("p1", 75))
	p2 := callPosition("p2", 75)
	tr.Add(p2) // same instrument, deduped
	p3 := callPosition("p3", 75)
	p3.InstrumentKey = "PK1"
	tr.Add(p3)

	keys := tr.OpenInstrumentKeys()
	if len(keys) != 2 {
		t.Errorf("keys = %v, want 2 distinct", keys)
	}
}
