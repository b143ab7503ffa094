package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RunConfig is the top-level configuration for one backtest run, loaded
// from a YAML file (default: ./backtest.yaml) with overrides via
// BACKTEST_* environment variables.
type RunConfig struct {
	Symbols        []string          `mapstructure:"symbols"`
	Timeframe      string            `mapstructure:"timeframe"`
	Start          time.Time         `mapstructure:"start"`
	End            time.Time         `mapstructure:"end"`
	InitialCapital float64           `mapstructure:"initial_capital"`
	CostPreset     string            `mapstructure:"cost_preset"`
	PathPolicy     string            `mapstructure:"path_policy"`
	GapPolicy      string            `mapstructure:"gap_policy"`
	TradingMode    string            `mapstructure:"trading_mode"`
	Strategy       StrategyConfig    `mapstructure:"strategy"`
	MonteCarlo     MonteCarloConfig  `mapstructure:"monte_carlo"`
	WalkForward    WalkForwardConfig `mapstructure:"walk_forward"`
	MetricsPort    int               `mapstructure:"metrics_port"`
}

// StrategyConfig tunes the bundled SMA-crossover generator and its
// position-management stop.
type StrategyConfig struct {
	FastPeriod         int     `mapstructure:"fast_period"`
	SlowPeriod         int     `mapstructure:"slow_period"`
	MinConfidence      float64 `mapstructure:"min_confidence"`
	CooldownBars       int     `mapstructure:"cooldown_bars"`
	MaxConsecutiveLoss int     `mapstructure:"max_consecutive_losses"`
	StopKind           string  `mapstructure:"stop_kind"` // "atr", "chandelier", "time"
	ATRPeriod          int     `mapstructure:"atr_period"`
	ATRMult            float64 `mapstructure:"atr_mult"`
	ChandelierLookback int     `mapstructure:"chandelier_lookback"`
	MaxBarsHeld        int     `mapstructure:"max_bars_held"`
}

// MonteCarloConfig enables post-run bootstrap resampling.
type MonteCarloConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Iterations    int     `mapstructure:"iterations"`
	RuinThreshold float64 `mapstructure:"ruin_threshold"`
}

// WalkForwardConfig enables rolling window robustness analysis.
type WalkForwardConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	WindowBars int  `mapstructure:"window_bars"`
	StepBars   int  `mapstructure:"step_bars"`
}

func loadRunConfig(path string) (*RunConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timeframe", "1d")
	v.SetDefault("initial_capital", 100000.0)
	v.SetDefault("cost_preset", "realistic")
	v.SetDefault("path_policy", "worst_case")
	v.SetDefault("gap_policy", "fill_at_open")
	v.SetDefault("trading_mode", "long_short")
	v.SetDefault("strategy.fast_period", 10)
	v.SetDefault("strategy.slow_period", 30)
	v.SetDefault("strategy.min_confidence", 0.0)
	v.SetDefault("strategy.cooldown_bars", 0)
	v.SetDefault("strategy.max_consecutive_losses", 0)
	v.SetDefault("strategy.stop_kind", "atr")
	v.SetDefault("strategy.atr_period", 14)
	v.SetDefault("strategy.atr_mult", 2.0)
	v.SetDefault("strategy.chandelier_lookback", 20)
	v.SetDefault("strategy.max_bars_held", 20)
	v.SetDefault("metrics_port", 9091)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("config must list at least one symbol")
	}
	return &cfg, nil
}
