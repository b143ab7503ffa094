package backtester

import "math"

// Indicator is a pure technical indicator: a deterministic function of a
// bar history to a dense series aligned with the bar index. Implementations
// live outside the core (internal/backtester/strategy/*, or an outer
// collaborator); only the contract is specified here.
type Indicator interface {
	// Name is the deterministic string key under which the series is
	// stored, e.g. "sma_20" or "psar_0.02_0.02_0.2". Two indicators with
	// the same Name produce the same series and are computed once.
	Name() string
	Lookback() int
	Compute(bars []Bar) []float64
}

// IndicatorValues maps an indicator's Name to its precomputed series.
type IndicatorValues map[string][]float64

// PrecomputeIndicators runs every indicator once per symbol over that
// symbol's full bar history and returns a frozen, read-only map. Indicators
// sharing a Name are deduplicated - the first one registered wins.
func PrecomputeIndicators(barsBySymbol map[string]BarSeries, indicators []Indicator) map[string]IndicatorValues {
	dedup := make(map[string]Indicator, len(indicators))
	order := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		key := ind.Name()
		if _, ok := dedup[key]; ok {
			continue
		}
		dedup[key] = ind
		order = append(order, key)
	}

	out := make(map[string]IndicatorValues, len(barsBySymbol))
	for symbol, bars := range barsBySymbol {
		values := make(IndicatorValues, len(order))
		for _, key := range order {
			series := dedup[key].Compute(bars)
			if len(series) != len(bars) {
				padded := make([]float64, len(bars))
				for i := range padded {
					padded[i] = math.NaN()
				}
				copy(padded, series)
				series = padded
			}
			values[key] = series
		}
		out[symbol] = values
	}
	return out
}

// WarmupBars computes the effective warmup per spec: the explicit config
// override, or the maximum indicator lookback, whichever is larger.
func WarmupBars(explicit int, indicators []Indicator) int {
	warmup := explicit
	for _, ind := range indicators {
		if l := ind.Lookback(); l > warmup {
			warmup = l
		}
	}
	return warmup
}

// At returns the value at index i, or NaN if i is out of range.
func (v IndicatorValues) At(key string, i int) float64 {
	series, ok := v[key]
	if !ok || i < 0 || i >= len(series) {
		return math.NaN()
	}
	return series[i]
}
