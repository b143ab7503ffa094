package main

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/internal/workers"
	"go.uber.org/zap"
)

// SweepResult pairs one sizing variant with the metrics its run produced.
type SweepResult struct {
	Variant string
	Metrics backtester.PerformanceMetrics
	Err     error
}

// runSweep runs one backtest per SweepVariant in sweepPath on a
// workers.Pool. Each variant is submitted with SubmitWait, so the variants
// run one after another; a single backtest is never split across workers,
// matching the single-threaded bar-event loop each task drives.
func runSweep(ctx context.Context, logger *zap.Logger, sweepPath string, barsBySymbol map[string]backtester.BarSeries, build func(backtester.QuantitySizer) *backtester.Engine) ([]SweepResult, error) {
	cfg, err := sizing.LoadSweepConfig(sweepPath)
	if err != nil {
		return nil, fmt.Errorf("loading sweep config: %w", err)
	}

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("backtest-sweep"))
	pool.Start()
	defer pool.Stop()

	results := make([]SweepResult, len(cfg.Variants))
	for i, variant := range cfg.Variants {
		i, variant := i, variant
		baseSizer := sizing.NewPositionSizer(logger, variant.ToSizingConfig())
		quantitySizer := sizing.NewBacktestQuantitySizer(baseSizer)

		task := workers.TaskFunc(func() error {
			engine := build(quantitySizer)
			result, runErr := engine.Run(ctx, barsBySymbol)
			if runErr != nil && result == nil {
				results[i] = SweepResult{Variant: variant.Name, Err: runErr}
				return runErr
			}
			results[i] = SweepResult{Variant: variant.Name, Metrics: result.Metrics}
			return nil
		})

		if err := pool.SubmitWait(task); err != nil {
			results[i] = SweepResult{Variant: variant.Name, Err: err}
		}
	}

	return results, nil
}
