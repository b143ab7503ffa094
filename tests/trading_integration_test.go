// Package tests provides integration tests for the backtest engine.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/backtester/strategy/smacross"
	"go.uber.org/zap"
)

func TestBacktesterEngine(t *testing.T) {
	logger := zap.NewNop()

	bars := backtester.BarSeries(generateBacktestBars(500))
	barsBySymbol := map[string]backtester.BarSeries{"BTCUSDT": bars}

	generator := smacross.NewGenerator(10, 30)
	indicators := generator.Indicators()

	runConfig := backtester.BacktestConfig{
		InitialCapital: 10000,
		TradingMode:    backtester.LongShort,
		CostPreset:     backtester.Frictionless,
		PathPolicy:     backtester.WorstCase,
		GapPolicy:      backtester.FillAtOpen,
	}

	engine := backtester.NewEngine(logger, runConfig, indicators, []backtester.SignalGenerator{generator}, nil, nil)

	t.Run("SimpleBacktest", func(t *testing.T) {
		result, err := engine.Run(context.Background(), barsBySymbol)
		if err != nil {
			t.Fatalf("engine run failed: %v", err)
		}
		finalEquity := runConfig.InitialCapital
		if n := len(result.EquityCurve); n > 0 {
			finalEquity = result.EquityCurve[n-1].Equity
		}
		t.Logf("Final equity: %.2f across %d bars, %d trades", finalEquity, result.BarCount, len(result.Trades))
	})
}

// generateBacktestBars builds a deterministic price series for exercising
// the core engine directly.
func generateBacktestBars(count int) []backtester.Bar {
	bars := make([]backtester.Bar, count)
	basePrice := 50000.0
	baseTime := time.Now().Add(-time.Duration(count) * time.Hour)

	for i := 0; i < count; i++ {
		trend := float64(i) * 0.5
		noise := float64((i*17)%100-50) * 0.5
		price := basePrice + trend + noise

		high := price * (1 + float64((i*13)%10)*0.001)
		low := price * (1 - float64((i*7)%10)*0.001)
		open := price * (1 + float64((i*11)%5-2)*0.001)
		volume := 100.0 + float64((i*23)%200)

		bars[i] = backtester.Bar{
			Symbol: "BTCUSDT",
			Date:   baseTime.Add(time.Duration(i) * time.Hour),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  price,
			Volume: volume,
		}
	}

	return bars
}
