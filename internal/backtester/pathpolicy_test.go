package backtester

import (
	"testing"
	"time"
)

func rangeBar(date time.Time, open, high, low, close float64) Bar {
	return Bar{Symbol: "TEST", Date: date, Open: open, High: high, Low: low, Close: close}
}

// TestBracketStopNotSameBar reproduces scenario 2: a bracket stop child
// activated the same bar its parent fills is never eligible to fill on
// that bar, regardless of the bar's range, and becomes eligible starting
// the next bar.
func TestBracketStopNotSameBar(t *testing.T) {
	ob := NewOrderBook()
	exec := NewExecutionEngine(Frictionless, WorstCase, FillAtOpen)

	entry := Order{Symbol: "TEST", Side: Buy, Kind: MarketOnOpen, Quantity: 10}
	stop := Order{Symbol: "TEST", Side: Sell, Kind: StopMarket, Quantity: 10, TriggerPrice: 50} // open - 50
	entryID, stopID, _ := ob.SubmitBracket(entry, stop, nil, 30)

	bar30 := rangeBar(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 100, 105, 40, 102)
	startFills := exec.RunStartOfBar(ob, bar30, 30)
	if len(startFills) != 1 || startFills[0].OrderID != entryID {
		t.Fatalf("expected exactly the entry order to fill in phase 1, got %+v", startFills)
	}

	stopOrder, _ := ob.Get(stopID)
	if stopOrder.ActivatedBar != 30 {
		t.Fatalf("expected stop activated_bar=30, got %d", stopOrder.ActivatedBar)
	}

	intrabarFills := exec.RunIntrabar(ob, bar30, 30, Long)
	if len(intrabarFills) != 0 {
		t.Fatalf("expected no fill on bar 30 despite bar.low=40 crossing the stop, got %+v", intrabarFills)
	}

	bar31 := rangeBar(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 102, 103, 45, 48)
	nextFills := exec.RunIntrabar(ob, bar31, 31, Long)
	if len(nextFills) != 1 || nextFills[0].OrderID != stopID {
		t.Fatalf("expected the stop eligible on bar 31, got %+v", nextFills)
	}
}

// TestOCOAtomicity reproduces scenario 3: two opposing stops OCO-linked
// on the same position. Once the first fills in phase 2, the sibling is
// Cancelled{reason=oco_sibling} and cannot fill in phase 3.
func TestOCOAtomicity(t *testing.T) {
	ob := NewOrderBook()
	exec := NewExecutionEngine(Frictionless, WorstCase, FillAtOpen)

	group := ob.NewOCOGroup()
	stopLoss := Order{Symbol: "TEST", Side: Sell, Kind: StopMarket, Quantity: 10, TriggerPrice: 95, OCOGroupID: group}
	takeProfit := Order{Symbol: "TEST", Side: Sell, Kind: Limit, Quantity: 10, LimitPrice: 108, OCOGroupID: group}
	stopID := ob.Submit(stopLoss, 10)
	tpID := ob.Submit(takeProfit, 10)

	bar := rangeBar(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 100, 110, 95, 109)
	fills := exec.RunIntrabar(ob, bar, 10, Long)
	if len(fills) != 1 {
		t.Fatalf("expected exactly one fill in phase 2, got %d", len(fills))
	}

	stopOrder, _ := ob.Get(stopID)
	tpOrder, _ := ob.Get(tpID)
	filled, cancelled := stopOrder, tpOrder
	if tpOrder.Status == Filled {
		filled, cancelled = tpOrder, stopOrder
	}
	if filled.Status != Filled {
		t.Fatalf("expected one OCO member Filled, got stop=%s tp=%s", stopOrder.Status, tpOrder.Status)
	}
	if cancelled.Status != Cancelled || cancelled.CancelReason != CancelReasonOcoSibling {
		t.Fatalf("expected the sibling Cancelled{oco_sibling}, got status=%s reason=%s", cancelled.Status, cancelled.CancelReason)
	}

	endOfBarFills := exec.RunEndOfBar(ob, bar, 10)
	if len(endOfBarFills) != 0 {
		t.Fatalf("expected the cancelled sibling not to fill in phase 3, got %+v", endOfBarFills)
	}
}

// TestPathPolicyDifferentiatesOutcomes reproduces scenario 4: a long
// position's OCO-linked stop and take-profit resolve differently
// depending on the configured path policy, for the same bar range.
func TestPathPolicyDifferentiatesOutcomes(t *testing.T) {
	newBook := func() (*OrderBook, uint64, uint64) {
		ob := NewOrderBook()
		group := ob.NewOCOGroup()
		stopID := ob.Submit(Order{Symbol: "TEST", Side: Sell, Kind: StopMarket, Quantity: 10, TriggerPrice: 95, OCOGroupID: group}, 0)
		tpID := ob.Submit(Order{Symbol: "TEST", Side: Sell, Kind: Limit, Quantity: 10, LimitPrice: 108, OCOGroupID: group}, 0)
		return ob, stopID, tpID
	}

	// WorstCase/BestCase only look at which side is adverse to the
	// holder, independent of bar shape.
	wideBar := rangeBar(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 100, 110, 95, 105)
	// Deterministic infers the path from OHLC: here
	// |open-high|=8 <= |open-low|=10, so the inferred path is
	// open -> high -> low -> close, reaching the take-profit (at the
	// high) before the stop.
	highFirstBar := rangeBar(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 100, 108, 90, 102)

	cases := []struct {
		name       string
		policy     PathPolicy
		bar        Bar
		wantFilled string // "stop" or "take_profit"
	}{
		{name: "worst_case_stop_fills", policy: WorstCase, bar: wideBar, wantFilled: "stop"},
		{name: "best_case_take_profit_fills", policy: BestCase, bar: wideBar, wantFilled: "take_profit"},
		{name: "deterministic_high_reached_first_take_profit_fills", policy: Deterministic, bar: highFirstBar, wantFilled: "take_profit"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ob, stopID, tpID := newBook()
			exec := NewExecutionEngine(Frictionless, tc.policy, FillAtOpen)
			fills := exec.RunIntrabar(ob, tc.bar, 0, Long)
			if len(fills) != 1 {
				t.Fatalf("expected exactly one fill, got %d", len(fills))
			}

			stopOrder, _ := ob.Get(stopID)
			tpOrder, _ := ob.Get(tpID)

			switch tc.wantFilled {
			case "stop":
				if stopOrder.Status != Filled {
					t.Fatalf("expected the stop to fill, got stop=%s tp=%s", stopOrder.Status, tpOrder.Status)
				}
			case "take_profit":
				if tpOrder.Status != Filled {
					t.Fatalf("expected the take-profit to fill, got stop=%s tp=%s", stopOrder.Status, tpOrder.Status)
				}
			}
		})
	}
}
