// Package smacross provides a simple moving-average crossover
// SignalGenerator, the reference discretionary-style generator adapted
// from the momentum/mean-reversion strategies' lookback-window shape.
package smacross

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
)

// SMA is a simple moving average indicator over Period closes, NaN for
// any index with fewer than Period prior closes.
type SMA struct {
	Period int
}

// Name is the deterministic series key; two SMA indicators sharing a
// Period are deduplicated by the engine's precompute step.
func (s SMA) Name() string { return fmt.Sprintf("sma_%d", s.Period) }

// Lookback is the number of bars needed before the series holds a value.
func (s SMA) Lookback() int { return s.Period }

// Compute returns the SMA series aligned with bars.
func (s SMA) Compute(bars []backtester.Bar) []float64 {
	out := make([]float64, len(bars))
	var sum float64
	for i, b := range bars {
		sum += b.Close
		if i >= s.Period {
			sum -= bars[i-s.Period].Close
		}
		if i < s.Period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(s.Period)
	}
	return out
}

// Generator raises a long signal when the fast SMA crosses above the
// slow SMA, and a short signal on the reverse cross. It only looks at
// the two most recent bars, so nothing beyond index i is ever touched.
type Generator struct {
	FastPeriod int
	SlowPeriod int
}

// NewGenerator creates a crossover generator. Zero periods default to
// a 10/30 crossover.
func NewGenerator(fastPeriod, slowPeriod int) *Generator {
	if fastPeriod <= 0 {
		fastPeriod = 10
	}
	if slowPeriod <= 0 {
		slowPeriod = 30
	}
	return &Generator{FastPeriod: fastPeriod, SlowPeriod: slowPeriod}
}

func (g *Generator) Name() string { return "sma_cross" }

// WarmupBars requires one extra bar beyond the slow SMA's own lookback
// so the previous bar's fast/slow values are both already valid.
func (g *Generator) WarmupBars() int {
	return g.SlowPeriod + 1
}

// Indicators returns the two SMA indicators this generator reads,
// for callers assembling the engine's indicator list.
func (g *Generator) Indicators() []backtester.Indicator {
	return []backtester.Indicator{SMA{Period: g.FastPeriod}, SMA{Period: g.SlowPeriod}}
}

func (g *Generator) fastKey() string { return SMA{Period: g.FastPeriod}.Name() }
func (g *Generator) slowKey() string { return SMA{Period: g.SlowPeriod}.Name() }

// Evaluate compares the current and previous bar's fast/slow SMA
// ordering; a sign change in (fast - slow) is the cross.
func (g *Generator) Evaluate(bars []backtester.Bar, i int, values backtester.IndicatorValues) *backtester.SignalEvent {
	if i < 1 {
		return nil
	}
	fastNow := values.At(g.fastKey(), i)
	slowNow := values.At(g.slowKey(), i)
	fastPrev := values.At(g.fastKey(), i-1)
	slowPrev := values.At(g.slowKey(), i-1)
	if math.IsNaN(fastNow) || math.IsNaN(slowNow) || math.IsNaN(fastPrev) || math.IsNaN(slowPrev) {
		return nil
	}

	prevDiff := fastPrev - slowPrev
	nowDiff := fastNow - slowNow

	var direction backtester.SignalDirection
	switch {
	case prevDiff <= 0 && nowDiff > 0:
		direction = backtester.SignalLong
	case prevDiff >= 0 && nowDiff < 0:
		direction = backtester.SignalShort
	default:
		return nil
	}

	strength := math.Abs(nowDiff) / slowNow
	if strength > 1 {
		strength = 1
	}

	return &backtester.SignalEvent{
		BarIndex:  i,
		Date:      bars[i].Date,
		Direction: direction,
		Strength:  strength,
		Metadata: map[string]float64{
			"fast": fastNow,
			"slow": slowNow,
		},
	}
}
