// Package main provides the entry point for the deterministic bar-driven
// backtest engine - a CLI that runs an SMA-crossover strategy over
// historical bars.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/internal/backtester/analysis"
	"github.com/atlas-desktop/trading-backend/internal/backtester/montecarlo"
	"github.com/atlas-desktop/trading-backend/internal/backtester/strategy/filters"
	"github.com/atlas-desktop/trading-backend/internal/backtester/strategy/pm"
	"github.com/atlas-desktop/trading-backend/internal/backtester/strategy/smacross"
	"github.com/atlas-desktop/trading-backend/internal/backtester/telemetry"
	"github.com/atlas-desktop/trading-backend/internal/backtester/walkforward"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "./backtest.yaml", "Path to the run config YAML file")
	dataDir := flag.String("data", "./data", "Historical OHLCV data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	sweepPath := flag.String("sweep", "", "Path to a sizing sweep YAML file; when set, runs one backtest per variant instead of a single run")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := loadRunConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load run config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, cancelling run")
		cancel()
	}()

	store, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}
	loader := data.NewBacktestLoader(logger, store)

	barsBySymbol, err := loader.LoadAligned(ctx, cfg.Symbols, types.Timeframe(cfg.Timeframe), cfg.Start, cfg.End)
	if err != nil {
		logger.Fatal("failed to load bar history", zap.Error(err))
	}
	if backtester.AlignedLen(barsBySymbol) <= 0 {
		logger.Fatal("symbol bar series are not aligned or empty")
	}

	registry := prometheus.NewRegistry()
	recorder := telemetry.NewRecorder(registry)
	go serveMetrics(logger, registry, cfg.MetricsPort)

	generator := smacross.NewGenerator(cfg.Strategy.FastPeriod, cfg.Strategy.SlowPeriod)
	indicators := generator.Indicators()
	indicators = append(indicators, pm.ATR{Period: cfg.Strategy.ATRPeriod})

	var signalFilters []backtester.SignalFilter
	if cfg.Strategy.MinConfidence > 0 {
		signalFilters = append(signalFilters, filters.ConfidenceFilter{MinStrength: cfg.Strategy.MinConfidence})
	}
	if cfg.Strategy.CooldownBars > 0 {
		signalFilters = append(signalFilters, filters.NewCooldownFilter(cfg.Strategy.CooldownBars))
	}
	var lossFilter *filters.ConsecutiveLossFilter
	if cfg.Strategy.MaxConsecutiveLoss > 0 {
		lossFilter = filters.NewConsecutiveLossFilter(cfg.Strategy.MaxConsecutiveLoss)
		signalFilters = append(signalFilters, lossFilter)
	}

	pms := make(map[string]backtester.PositionManager, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		switch cfg.Strategy.StopKind {
		case "chandelier":
			pms[symbol] = pm.NewChandelierExit(cfg.Strategy.ChandelierLookback, cfg.Strategy.ATRPeriod, cfg.Strategy.ATRMult)
		case "time":
			pms[symbol] = pm.NewTimeStop(cfg.Strategy.MaxBarsHeld)
		default:
			pms[symbol] = pm.NewAtrStop(cfg.Strategy.ATRPeriod, cfg.Strategy.ATRMult)
		}
	}

	runConfig := backtester.BacktestConfig{
		InitialCapital: cfg.InitialCapital,
		TradingMode:    parseTradingMode(cfg.TradingMode),
		CostPreset:     backtester.CostModelPreset(cfg.CostPreset),
		PathPolicy:     parsePathPolicy(cfg.PathPolicy),
		GapPolicy:      parseGapPolicy(cfg.GapPolicy),
	}

	if *sweepPath != "" {
		build := func(qs backtester.QuantitySizer) *backtester.Engine {
			return backtester.NewEngine(logger, runConfig, indicators, []backtester.SignalGenerator{generator}, signalFilters, pms).WithQuantitySizer(qs)
		}
		results, err := runSweep(ctx, logger, *sweepPath, barsBySymbol, build)
		if err != nil {
			logger.Fatal("sweep run failed", zap.Error(err))
		}
		for _, r := range results {
			if r.Err != nil {
				logger.Error("sweep variant failed", zap.String("variant", r.Variant), zap.Error(r.Err))
				continue
			}
			logger.Info("sweep variant complete",
				zap.String("variant", r.Variant),
				zap.Float64("total_return", r.Metrics.TotalReturn),
				zap.Float64("sharpe", r.Metrics.SharpeRatio),
			)
		}
		if err := json.NewEncoder(os.Stdout).Encode(results); err != nil {
			logger.Error("failed to encode sweep results", zap.Error(err))
		}
		return
	}

	quantitySizer := sizing.NewBacktestQuantitySizer(sizing.NewPositionSizer(logger, sizing.DefaultSizingConfig()))

	engine := backtester.NewEngine(logger, runConfig, indicators, []backtester.SignalGenerator{generator}, signalFilters, pms).
		WithRecorder(recorder).
		WithQuantitySizer(quantitySizer)

	result, err := engine.Run(ctx, barsBySymbol)
	if err != nil && result == nil {
		logger.Fatal("backtest run failed", zap.Error(err))
	}
	if lossFilter != nil {
		for _, t := range result.Trades {
			lossFilter.RecordTradeResult(t.Symbol, t.NetPnL)
		}
	}

	logger.Info("backtest complete",
		zap.Int("bars", result.BarCount),
		zap.Int("fills", len(result.Fills)),
		zap.Int("trades", len(result.Trades)),
		zap.Float64("total_return", result.Metrics.TotalReturn),
		zap.Float64("sharpe", result.Metrics.SharpeRatio),
		zap.Bool("cancelled", result.Cancelled),
	)

	calc := backtester.NewMetricsCalculator()
	risk := calc.CalculateRiskMetrics(result.EquityCurve)

	var wfResult *walkforward.Result
	if cfg.WalkForward.Enabled {
		analyzer := walkforward.NewAnalyzer(logger)
		wfResult, err = analyzer.Run(ctx, walkforward.Config{
			WindowBars: cfg.WalkForward.WindowBars,
			StepBars:   cfg.WalkForward.StepBars,
		}, barsBySymbol, func(l *zap.Logger) *backtester.Engine {
			return backtester.NewEngine(l, runConfig, indicators, []backtester.SignalGenerator{generator}, signalFilters, pms).WithQuantitySizer(quantitySizer)
		})
		if err != nil {
			logger.Warn("walk-forward analysis failed", zap.Error(err))
		}
	}

	checker := analysis.NewViabilityChecker(analysis.DefaultViabilityThresholds())
	viability := checker.Check(result.Metrics, risk, wfResult)
	logger.Info("viability assessment",
		zap.Bool("is_viable", viability.IsViable),
		zap.Int("score", viability.Score),
		zap.String("grade", viability.Grade),
	)

	if cfg.MonteCarlo.Enabled {
		sim := montecarlo.NewSimulator(logger, montecarlo.Config{
			Iterations:    cfg.MonteCarlo.Iterations,
			RuinThreshold: cfg.MonteCarlo.RuinThreshold,
		})
		mcResult := sim.Run(result.Trades, cfg.InitialCapital)
		logger.Info("monte carlo summary",
			zap.Float64("median_return", mcResult.MedianReturn),
			zap.Float64("probability_ruin", mcResult.ProbabilityRuin),
		)
	}

	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		logger.Error("failed to encode result", zap.Error(err))
	}
}

func serveMetrics(logger *zap.Logger, registry *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.Info("serving backtest metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func parseTradingMode(s string) backtester.TradingMode {
	switch s {
	case "long_only":
		return backtester.LongOnly
	case "short_only":
		return backtester.ShortOnly
	default:
		return backtester.LongShort
	}
}

func parsePathPolicy(s string) backtester.PathPolicy {
	switch s {
	case "best_case":
		return backtester.BestCase
	case "deterministic":
		return backtester.Deterministic
	default:
		return backtester.WorstCase
	}
}

func parseGapPolicy(s string) backtester.GapPolicy {
	switch s {
	case "skip":
		return backtester.Skip
	default:
		return backtester.FillAtOpen
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
