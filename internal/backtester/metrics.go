package backtester

import (
	"math"
	"sort"
)

// PerformanceMetrics summarizes a completed run's trades and equity
// curve, using the float64 core types used throughout this package.
type PerformanceMetrics struct {
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgWin           float64
	AvgLoss          float64
	LargestWin       float64
	LargestLoss      float64
	ProfitFactor     float64
	Expectancy       float64
	AvgBarsHeld      float64
	TotalReturn      float64
	AnnualizedReturn float64
	SharpeRatio      float64
	SortinoRatio     float64
	MaxDrawdown      float64
	MaxDrawdownBar   int
	CalmarRatio      float64
}

// RiskMetrics summarizes tail risk from the bar-over-bar equity return
// series.
type RiskMetrics struct {
	DailyVolatility  float64
	AnnualVolatility float64
	VaR95            float64
	VaR99            float64
	CVaR95           float64
}

// MetricsCalculator computes PerformanceMetrics and RiskMetrics from a
// completed run's trades and equity curve.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a metrics calculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate computes the full performance summary for one run.
func (mc *MetricsCalculator) Calculate(trades []TradeRecord, equityCurve []EquityPoint, initialCapital float64) PerformanceMetrics {
	if len(trades) == 0 || len(equityCurve) == 0 {
		return PerformanceMetrics{}
	}

	var metrics PerformanceMetrics
	var totalWins, totalLosses, totalBarsHeld float64

	for _, t := range trades {
		if t.NetPnL > 0 {
			metrics.WinningTrades++
			totalWins += t.NetPnL
			if t.NetPnL > metrics.LargestWin {
				metrics.LargestWin = t.NetPnL
			}
		} else if t.NetPnL < 0 {
			metrics.LosingTrades++
			totalLosses += -t.NetPnL
			if -t.NetPnL > metrics.LargestLoss {
				metrics.LargestLoss = -t.NetPnL
			}
		}
		totalBarsHeld += float64(t.BarsHeld)
	}

	metrics.TotalTrades = len(trades)
	if metrics.TotalTrades > 0 {
		metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
		metrics.AvgBarsHeld = totalBarsHeld / float64(metrics.TotalTrades)
	}
	if metrics.WinningTrades > 0 {
		metrics.AvgWin = totalWins / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = totalLosses / float64(metrics.LosingTrades)
	}
	if totalLosses != 0 {
		metrics.ProfitFactor = totalWins / totalLosses
	}
	metrics.Expectancy = metrics.WinRate*metrics.AvgWin - (1-metrics.WinRate)*metrics.AvgLoss

	if initialCapital != 0 {
		finalEquity := equityCurve[len(equityCurve)-1].Equity
		metrics.TotalReturn = (finalEquity - initialCapital) / initialCapital
	}

	returns := mc.barReturns(equityCurve)
	if len(returns) > 0 {
		metrics.AnnualizedReturn = mc.mean(returns) * 252
	}
	if len(returns) > 1 {
		avg := mc.mean(returns)
		if sd := mc.stdDev(returns); sd > 0 {
			metrics.SharpeRatio = (avg / sd) * math.Sqrt(252)
		}
		if dd := mc.downsideDeviation(returns); dd > 0 {
			metrics.SortinoRatio = (avg / dd) * math.Sqrt(252)
		}
	}

	maxDD, maxDDBar := mc.maxDrawdown(equityCurve)
	metrics.MaxDrawdown = maxDD
	metrics.MaxDrawdownBar = maxDDBar
	if maxDD != 0 {
		metrics.CalmarRatio = metrics.AnnualizedReturn / maxDD
	}

	return metrics
}

// CalculateRiskMetrics computes tail-risk metrics from the equity curve.
func (mc *MetricsCalculator) CalculateRiskMetrics(equityCurve []EquityPoint) RiskMetrics {
	returns := mc.barReturns(equityCurve)
	if len(returns) == 0 {
		return RiskMetrics{}
	}

	var m RiskMetrics
	dailyVol := mc.stdDev(returns)
	m.DailyVolatility = dailyVol
	m.AnnualVolatility = dailyVol * math.Sqrt(252)

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 >= 0 && idx95 < len(sorted) {
		m.VaR95 = -sorted[idx95]
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 >= 0 && idx99 < len(sorted) {
		m.VaR99 = -sorted[idx99]
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		m.CVaR95 = -sum / float64(idx95)
	}
	return m
}

func (mc *MetricsCalculator) barReturns(equityCurve []EquityPoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev == 0 {
			continue
		}
		returns = append(returns, (equityCurve[i].Equity-prev)/prev)
	}
	return returns
}

func (mc *MetricsCalculator) maxDrawdown(equityCurve []EquityPoint) (float64, int) {
	if len(equityCurve) == 0 {
		return 0, 0
	}
	var maxDD float64
	var maxDDBar int
	peak := equityCurve[0].Equity
	for _, point := range equityCurve {
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak != 0 {
			dd := (peak - point.Equity) / peak
			if dd > maxDD {
				maxDD = dd
				maxDDBar = point.BarIndex
			}
		}
	}
	return maxDD, maxDDBar
}

func (mc *MetricsCalculator) mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func (mc *MetricsCalculator) stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := mc.mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func (mc *MetricsCalculator) downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return mc.stdDev(negative)
}
