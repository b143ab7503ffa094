package backtester

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubGenerator raises a long signal on longBar and a short signal on
// shortBar, ignoring indicator values entirely - used to drive the
// engine through a scripted scenario without depending on a real
// SignalGenerator implementation.
type stubGenerator struct {
	longBar, shortBar int
}

func (g stubGenerator) Name() string     { return "stub" }
func (g stubGenerator) WarmupBars() int  { return 0 }
func (g stubGenerator) Evaluate(bars []Bar, i int, values IndicatorValues) *SignalEvent {
	switch i {
	case g.longBar:
		return &SignalEvent{BarIndex: i, Date: bars[i].Date, Direction: SignalLong, Strength: 1}
	case g.shortBar:
		return &SignalEvent{BarIndex: i, Date: bars[i].Date, Direction: SignalShort, Strength: 1}
	}
	return nil
}

// fixedSizer always proposes qty shares for a new entry.
type fixedSizer struct{ qty float64 }

func (s fixedSizer) Quantity(sig SignalEvent, equity, closePrice float64) float64 {
	return s.qty
}

func flatBar(date time.Time, open float64) Bar {
	return Bar{Symbol: "TEST", Date: date, Open: open, High: open + 0.5, Low: open - 0.5, Close: open}
}

func voidBar(date time.Time) Bar {
	return Bar{Symbol: "TEST", Date: date, Open: math.NaN(), High: math.NaN(), Low: math.NaN(), Close: math.NaN()}
}

func newTestLogger() *zap.Logger {
	return zap.NewNop()
}

// TestSmokeBacktest reproduces the canonical 10-bar scenario: a long
// entry at bar 3's close fills at bar 4's open (104), a short (exit)
// signal at bar 7's close fills at bar 8's open (110), on an otherwise
// flat-opening 10-bar series.
func TestSmokeBacktest(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opens := []float64{100, 101, 102, 103, 104, 105, 106, 107, 110, 111}
	bars := make(BarSeries, len(opens))
	for i, o := range opens {
		bars[i] = flatBar(start.AddDate(0, 0, i), o)
	}

	gen := stubGenerator{longBar: 3, shortBar: 7}
	config := BacktestConfig{InitialCapital: 100000, CostPreset: Frictionless, TradingMode: LongShort}
	engine := NewEngine(newTestLogger(), config, nil, []SignalGenerator{gen}, nil, nil).
		WithQuantitySizer(fixedSizer{qty: 100})

	result, err := engine.Run(context.Background(), map[string]BarSeries{"TEST": bars})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(result.Fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(result.Fills))
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}

	trade := result.Trades[0]
	if trade.EntryPrice != 104 || trade.ExitPrice != 110 {
		t.Fatalf("expected entry 104 / exit 110, got entry %.2f / exit %.2f", trade.EntryPrice, trade.ExitPrice)
	}
	if trade.GrossPnL != 600 {
		t.Fatalf("expected gross PnL 600.00, got %.2f", trade.GrossPnL)
	}
	if trade.BarsHeld != 4 {
		t.Fatalf("expected bars_held 4, got %d", trade.BarsHeld)
	}

	finalEquity := result.EquityCurve[len(result.EquityCurve)-1].Equity
	if math.Abs(finalEquity-100600) > 1e-9 {
		t.Fatalf("expected final equity 100600.00, got %.2f", finalEquity)
	}
}

// TestRatchetBlocksLoosening reproduces scenario 5: a long position's
// stop at 95 must never move down, regardless of what a PositionManager
// proposes.
func TestRatchetBlocksLoosening(t *testing.T) {
	pos := &Position{Symbol: "TEST", Side: Long, Quantity: 10, AvgEntry: 100, CurrentStop: 95}

	newStop, changed := applyPositionManagerIntent(pos, OrderIntent{Kind: IntentUpdateStop, NewStop: 90})
	if changed {
		t.Fatalf("expected loosening proposal to be rejected, got accepted stop %.2f", newStop)
	}
	if newStop != 95 {
		t.Fatalf("expected stop to remain 95, got %.2f", newStop)
	}

	tightened, changed := applyPositionManagerIntent(pos, OrderIntent{Kind: IntentUpdateStop, NewStop: 98})
	if !changed || tightened != 98 {
		t.Fatalf("expected a tightening proposal to 98 to be accepted, got %.2f (changed=%v)", tightened, changed)
	}
}

// TestVoidBarCarryForward reproduces scenario 6: bars 3-5 are void with
// no open positions; the equity curve stays flat at initial capital for
// every bar, the void-bar rate for the symbol is 0.30, and a data-quality
// warning is emitted.
func TestVoidBarCarryForward(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make(BarSeries, 10)
	for i := 0; i < 10; i++ {
		if i >= 3 && i <= 5 {
			bars[i] = voidBar(start.AddDate(0, 0, i))
			continue
		}
		bars[i] = flatBar(start.AddDate(0, 0, i), 100)
	}

	config := BacktestConfig{InitialCapital: 100000, CostPreset: Frictionless, TradingMode: LongShort}
	engine := NewEngine(newTestLogger(), config, nil, nil, nil, nil)

	result, err := engine.Run(context.Background(), map[string]BarSeries{"TEST": bars})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	for _, pt := range result.EquityCurve {
		if pt.Equity != 100000 {
			t.Fatalf("bar %d: expected equity to stay at 100000, got %.2f", pt.BarIndex, pt.Equity)
		}
	}

	rate := result.VoidBarRates["TEST"]
	if math.Abs(rate-0.30) > 1e-9 {
		t.Fatalf("expected void-bar rate 0.30, got %.2f", rate)
	}
	if len(result.DataQualityWarnings) == 0 {
		t.Fatalf("expected a data-quality warning for a 30%% void-bar rate")
	}
}
