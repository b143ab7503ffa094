// Package montecarlo runs bootstrap resampling over a completed run's
// trade log. It depends on the backtester package's result types but the
// core engine never depends on it - statistical post-analysis across an
// already-finished backtest is an external collaborator, not a core phase.
package montecarlo

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"go.uber.org/zap"
)

// Config controls a Monte Carlo run.
type Config struct {
	Iterations     int
	RuinThreshold  float64 // fraction of starting equity; default 0.5
	Confidence     float64 // for BootstrapConfidenceInterval; default 0.95
}

// Result is the distribution summary over all simulated paths.
type Result struct {
	Iterations      int
	MedianReturn    float64
	P5Return        float64
	P95Return       float64
	ProbabilityRuin float64
	MaxDrawdownP95  float64
	Distribution    []float64
}

// Simulator bootstrap-resamples a trade log's per-trade returns to
// estimate the distribution of outcomes the strategy could have produced
// under a different draw order.
type Simulator struct {
	logger *zap.Logger
	config Config
	rng    *rand.Rand
}

// NewSimulator creates a Monte Carlo simulator seeded from wall-clock
// time - determinism is a core-engine property, not required of this
// outer statistical collaborator.
func NewSimulator(logger *zap.Logger, config Config) *Simulator {
	if config.Iterations <= 0 {
		config.Iterations = 1000
	}
	if config.RuinThreshold <= 0 {
		config.RuinThreshold = 0.5
	}
	if config.Confidence <= 0 {
		config.Confidence = 0.95
	}
	return &Simulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run bootstrap-shuffles trades' net PnL and reports the return
// distribution, ruin probability, and P95 drawdown across iterations.
func (mc *Simulator) Run(trades []backtester.TradeRecord, initialCapital float64) Result {
	if len(trades) == 0 {
		return Result{Iterations: 0}
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		if initialCapital != 0 {
			returns[i] = t.NetPnL / initialCapital
		}
	}

	simulatedReturns := make([]float64, mc.config.Iterations)
	maxDrawdowns := make([]float64, mc.config.Iterations)
	ruinCount := 0

	for i := 0; i < mc.config.Iterations; i++ {
		shuffled := mc.shuffle(returns)
		totalReturn, maxDD, isRuin := mc.simulatePath(shuffled)
		simulatedReturns[i] = totalReturn
		maxDrawdowns[i] = maxDD
		if isRuin {
			ruinCount++
		}
	}

	sort.Float64s(simulatedReturns)
	sort.Float64s(maxDrawdowns)

	result := Result{
		Iterations:      mc.config.Iterations,
		MedianReturn:    percentile(simulatedReturns, 50),
		P5Return:        percentile(simulatedReturns, 5),
		P95Return:       percentile(simulatedReturns, 95),
		ProbabilityRuin: float64(ruinCount) / float64(mc.config.Iterations),
		MaxDrawdownP95:  percentile(maxDrawdowns, 95),
		Distribution:    simulatedReturns,
	}

	if mc.logger != nil {
		mc.logger.Info("monte carlo simulation complete",
			zap.Int("iterations", result.Iterations),
			zap.Float64("median_return", result.MedianReturn),
			zap.Float64("p5_return", result.P5Return),
			zap.Float64("p95_return", result.P95Return),
			zap.Float64("probability_ruin", result.ProbabilityRuin),
		)
	}

	return result
}

func (mc *Simulator) shuffle(returns []float64) []float64 {
	shuffled := make([]float64, len(returns))
	copy(shuffled, returns)
	mc.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

func (mc *Simulator) simulatePath(returns []float64) (totalReturn, maxDrawdown float64, isRuin bool) {
	equity := 1.0
	peak := equity
	var maxDD float64

	for _, ret := range returns {
		equity += ret
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		if equity <= mc.config.RuinThreshold {
			return equity - 1.0, maxDD, true
		}
	}
	return equity - 1.0, maxDD, false
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// BootstrapConfidenceInterval resamples trades with replacement to
// estimate a confidence interval for an arbitrary metric function.
func (mc *Simulator) BootstrapConfidenceInterval(metric func([]backtester.TradeRecord) float64, trades []backtester.TradeRecord) (lower, upper float64) {
	n := len(trades)
	if n == 0 {
		return 0, 0
	}
	values := make([]float64, mc.config.Iterations)
	for i := 0; i < mc.config.Iterations; i++ {
		sample := make([]backtester.TradeRecord, n)
		for j := 0; j < n; j++ {
			sample[j] = trades[mc.rng.Intn(n)]
		}
		values[i] = metric(sample)
	}
	sort.Float64s(values)

	alpha := 1 - mc.config.Confidence
	lowerIdx := int(alpha / 2 * float64(mc.config.Iterations))
	upperIdx := int((1 - alpha/2) * float64(mc.config.Iterations))
	if upperIdx >= len(values) {
		upperIdx = len(values) - 1
	}
	return values[lowerIdx], values[upperIdx]
}
