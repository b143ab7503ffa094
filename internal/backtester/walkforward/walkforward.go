// Package walkforward splits an aligned bar history into rolling
// in-sample/out-of-sample windows and runs the core engine over each,
// reporting a robustness ratio between the two. Like montecarlo, this is
// an external collaborator over a finished engine configuration, never a
// core-engine dependency.
package walkforward

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"go.uber.org/zap"
)

// Config controls window sizing, expressed in bars rather than wall-clock
// days so it applies uniformly regardless of bar timeframe.
type Config struct {
	WindowBars   int
	StepBars     int
	InSampleFrac float64 // default 0.8
}

// Window is one in-sample/out-of-sample split and its resulting metrics.
type Window struct {
	InSampleStart  int
	InSampleEnd    int
	OutSampleStart int
	OutSampleEnd   int
	InSample       backtester.PerformanceMetrics
	OutSample      backtester.PerformanceMetrics
}

// Result is the full walk-forward run: every window plus the robustness
// ratio of combined out-of-sample to in-sample return.
type Result struct {
	Windows        []Window
	OverallMetrics backtester.PerformanceMetrics
	Robustness     float64
}

// Analyzer drives repeated engine runs over sliding windows of the same
// bar history.
type Analyzer struct {
	logger zap.Logger
}

// NewAnalyzer creates a walk-forward analyzer.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: *logger}
}

// EngineFactory builds a fresh engine for a (possibly sliced) bar range -
// callers supply this so the analyzer can stay agnostic of which
// indicators/generators/filters/position-managers the strategy uses.
type EngineFactory func(logger *zap.Logger) *backtester.Engine

// Run executes cfg.WindowBars/cfg.StepBars windows over barsBySymbol,
// running the engine fresh for each window's in-sample and out-of-sample
// slice.
func (a *Analyzer) Run(ctx context.Context, cfg Config, barsBySymbol map[string]backtester.BarSeries, newEngine EngineFactory) (*Result, error) {
	if cfg.WindowBars <= 0 {
		cfg.WindowBars = 60
	}
	if cfg.StepBars <= 0 {
		cfg.StepBars = 15
	}
	if cfg.InSampleFrac <= 0 {
		cfg.InSampleFrac = 0.8
	}

	total := backtester.AlignedLen(barsBySymbol)
	if total <= 0 {
		return nil, fmt.Errorf("bar series are not aligned or empty")
	}

	inSampleBars := int(float64(cfg.WindowBars) * cfg.InSampleFrac)
	var windows []Window
	var allTrades []backtester.TradeRecord
	var allEquity []backtester.EquityPoint

	for start := 0; start+cfg.WindowBars <= total; start += cfg.StepBars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		inEnd := start + inSampleBars
		outEnd := start + cfg.WindowBars

		inSlice := sliceBars(barsBySymbol, start, inEnd)
		outSlice := sliceBars(barsBySymbol, inEnd, outEnd)

		inResult, err := newEngine(&a.logger).Run(ctx, inSlice)
		if err != nil {
			a.logger.Warn("in-sample window failed", zap.Int("start", start), zap.Error(err))
			continue
		}
		outResult, err := newEngine(&a.logger).Run(ctx, outSlice)
		if err != nil {
			a.logger.Warn("out-of-sample window failed", zap.Int("start", start), zap.Error(err))
			continue
		}

		windows = append(windows, Window{
			InSampleStart:  start,
			InSampleEnd:    inEnd,
			OutSampleStart: inEnd,
			OutSampleEnd:   outEnd,
			InSample:       inResult.Metrics,
			OutSample:      outResult.Metrics,
		})
		allTrades = append(allTrades, outResult.Trades...)
		allEquity = append(allEquity, outResult.EquityCurve...)
	}

	if len(windows) == 0 {
		return nil, fmt.Errorf("no walk-forward windows produced a result")
	}

	calc := backtester.NewMetricsCalculator()
	overall := calc.Calculate(allTrades, allEquity, 0)

	return &Result{
		Windows:        windows,
		OverallMetrics: overall,
		Robustness:     robustness(windows),
	}, nil
}

func sliceBars(barsBySymbol map[string]backtester.BarSeries, start, end int) map[string]backtester.BarSeries {
	out := make(map[string]backtester.BarSeries, len(barsBySymbol))
	for symbol, bars := range barsBySymbol {
		if end > len(bars) {
			end = len(bars)
		}
		if start > end {
			start = end
		}
		out[symbol] = bars[start:end]
	}
	return out
}

// robustness is the ratio of combined out-of-sample to in-sample total
// return, clamped to [0, 2]; values above 0.5 are conventionally taken as
// evidence the in-sample edge generalizes.
func robustness(windows []Window) float64 {
	var inSample, outSample float64
	for _, w := range windows {
		inSample += w.InSample.TotalReturn
		outSample += w.OutSample.TotalReturn
	}
	if inSample == 0 {
		return 0
	}
	r := outSample / inSample
	if r < 0 {
		return 0
	}
	if r > 2 {
		return 2
	}
	return r
}
