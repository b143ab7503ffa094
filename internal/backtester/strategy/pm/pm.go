// Package pm provides PositionManager implementations for protective
// stop management, ported from the original position-management
// strategy set: ATR-based ratchet stops, chandelier exits with
// anti-stickiness reference snapshots, and fixed-duration time stops.
package pm

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
)

// ATR is an Average True Range indicator over Period bars, Wilder's
// smoothing seeded by a simple average of the first Period true ranges.
type ATR struct {
	Period int
}

func (a ATR) Name() string {
	if a.Period <= 0 {
		a.Period = 14
	}
	return atrKey(a.Period)
}

func atrKey(period int) string {
	return fmt.Sprintf("atr_%d", period)
}

func (a ATR) Lookback() int { return a.Period + 1 }

func (a ATR) Compute(bars []backtester.Bar) []float64 {
	period := a.Period
	if period <= 0 {
		period = 14
	}
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(bars) <= period {
		return out
	}

	trueRanges := make([]float64, len(bars))
	for i, b := range bars {
		if i == 0 {
			trueRanges[i] = b.High - b.Low
			continue
		}
		prevClose := bars[i-1].Close
		tr := b.High - b.Low
		if v := math.Abs(b.High - prevClose); v > tr {
			tr = v
		}
		if v := math.Abs(b.Low - prevClose); v > tr {
			tr = v
		}
		trueRanges[i] = tr
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// AtrStop trails a stop at atr_mult * ATR behind the close, enforcing
// the ratchet invariant the driver already clamps - this implementation
// additionally skips emitting an intent when its own proposal hasn't
// moved, mirroring the original's stop_changed check.
type AtrStop struct {
	ATRPeriod int
	Mult      float64

	lastProposed float64
	initialized  bool
}

// NewAtrStop creates an ATR ratchet stop. atrMult defaults to 2.0 and
// atrPeriod to 14 when zero.
func NewAtrStop(atrPeriod int, atrMult float64) *AtrStop {
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	if atrMult <= 0 {
		atrMult = 2.0
	}
	return &AtrStop{ATRPeriod: atrPeriod, Mult: atrMult}
}

func (s *AtrStop) Name() string { return "atr_stop" }

func (s *AtrStop) Update(pos *backtester.Position, barIndex int, bars []backtester.Bar, values backtester.IndicatorValues) backtester.OrderIntent {
	if pos.Side == backtester.Flat {
		s.initialized = false
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}

	atr := values.At(ATR{Period: s.ATRPeriod}.Name(), barIndex)
	if math.IsNaN(atr) {
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}

	close := bars[barIndex].Close
	distance := s.Mult * atr
	var proposed float64
	if pos.Side == backtester.Long {
		proposed = close - distance
	} else {
		proposed = close + distance
	}

	if s.initialized && math.Abs(proposed-s.lastProposed) < 1e-9 {
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}
	s.lastProposed = proposed
	s.initialized = true

	return backtester.OrderIntent{Kind: backtester.IntentUpdateStop, NewStop: proposed}
}

// ChandelierExit anchors its stop to a snapshot of the highest high
// (long) or lowest low (short) over Lookback bars. The reference only
// advances on a new extreme - it never chases price back down (long)
// or up (short), so a rise-then-pullback can still exit at a profit.
type ChandelierExit struct {
	Lookback int
	ATRPeriod int
	Mult     float64

	reference   float64
	hasRef      bool
}

// NewChandelierExit creates a chandelier exit. lookback defaults to
// 20, atrMult to 3.0, atrPeriod to 14 when zero.
func NewChandelierExit(lookback, atrPeriod int, atrMult float64) *ChandelierExit {
	if lookback <= 0 {
		lookback = 20
	}
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	if atrMult <= 0 {
		atrMult = 3.0
	}
	return &ChandelierExit{Lookback: lookback, ATRPeriod: atrPeriod, Mult: atrMult}
}

func (c *ChandelierExit) Name() string { return "chandelier_exit" }

func (c *ChandelierExit) Update(pos *backtester.Position, barIndex int, bars []backtester.Bar, values backtester.IndicatorValues) backtester.OrderIntent {
	if pos.Side == backtester.Flat {
		c.hasRef = false
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}

	atr := values.At(ATR{Period: c.ATRPeriod}.Name(), barIndex)
	if math.IsNaN(atr) {
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}

	start := barIndex - c.Lookback + 1
	if start < 0 {
		start = 0
	}

	var extreme float64
	if pos.Side == backtester.Long {
		extreme = bars[start].High
		for i := start + 1; i <= barIndex; i++ {
			if bars[i].High > extreme {
				extreme = bars[i].High
			}
		}
	} else {
		extreme = bars[start].Low
		for i := start + 1; i <= barIndex; i++ {
			if bars[i].Low < extreme {
				extreme = bars[i].Low
			}
		}
	}

	if !c.hasRef {
		c.reference = extreme
		c.hasRef = true
	} else if pos.Side == backtester.Long && extreme > c.reference {
		c.reference = extreme
	} else if pos.Side == backtester.Short && extreme < c.reference {
		c.reference = extreme
	}

	distance := c.Mult * atr
	var stop float64
	if pos.Side == backtester.Long {
		stop = c.reference - distance
	} else {
		stop = c.reference + distance
	}

	return backtester.OrderIntent{Kind: backtester.IntentUpdateStop, NewStop: stop}
}

// TimeStop closes a position at market-on-close once it has been held
// for MaxBars bars, independent of P&L.
type TimeStop struct {
	MaxBars int

	barsHeld     int
	exitRequested bool
}

// NewTimeStop creates a time-based exit, closing after maxBars bars.
func NewTimeStop(maxBars int) *TimeStop {
	if maxBars <= 0 {
		maxBars = 10
	}
	return &TimeStop{MaxBars: maxBars}
}

func (t *TimeStop) Name() string { return "time_stop" }

func (t *TimeStop) Update(pos *backtester.Position, barIndex int, bars []backtester.Bar, values backtester.IndicatorValues) backtester.OrderIntent {
	if pos.Side == backtester.Flat {
		t.barsHeld = 0
		t.exitRequested = false
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}

	t.barsHeld++
	if t.barsHeld < t.MaxBars || t.exitRequested {
		return backtester.OrderIntent{Kind: backtester.IntentNone}
	}
	t.exitRequested = true

	side := backtester.Sell
	if pos.Side == backtester.Short {
		side = backtester.Buy
	}
	return backtester.OrderIntent{
		Kind: backtester.IntentPlace,
		Order: backtester.Order{
			Side:     side,
			Kind:     backtester.MarketOnClose,
			Quantity: pos.Quantity,
		},
	}
}
