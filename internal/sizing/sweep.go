package sizing

import (
	"fmt"

	"github.com/spf13/viper"
)

// SweepConfig is a named list of SizingConfig variants to run a
// parameter sweep over - each produces an independent PositionSizer so
// a walk-forward or batch-backtest driver can compare sizing regimes
// without changing the strategy under test.
type SweepConfig struct {
	Variants []SweepVariant `mapstructure:"variants"`
}

// SweepVariant names one SizingConfig point in the sweep.
type SweepVariant struct {
	Name                  string  `mapstructure:"name"`
	MaxPositionPct        float64 `mapstructure:"max_position_pct"`
	MaxPortfolioRisk      float64 `mapstructure:"max_portfolio_risk"`
	KellyFraction         float64 `mapstructure:"kelly_fraction"`
	MinPositionPct        float64 `mapstructure:"min_position_pct"`
	UseRegimeAdjustment   bool    `mapstructure:"use_regime_adjustment"`
	UseCorrelationScaling bool    `mapstructure:"use_correlation_scaling"`
	MaxCorrelatedRisk     float64 `mapstructure:"max_correlated_risk"`
	LookbackTrades        int     `mapstructure:"lookback_trades"`
}

// LoadSweepConfig reads a sizing parameter sweep from a YAML/JSON/TOML
// file (any format viper supports) at path.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading sizing sweep config %s: %w", path, err)
	}

	var cfg SweepConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing sizing sweep config: %w", err)
	}
	if len(cfg.Variants) == 0 {
		return nil, fmt.Errorf("sweep config must list at least one variant")
	}
	return &cfg, nil
}

// ToSizingConfig converts a SweepVariant to the SizingConfig PositionSizer
// expects.
func (v SweepVariant) ToSizingConfig() *SizingConfig {
	return &SizingConfig{
		MaxPositionPct:        v.MaxPositionPct,
		MaxPortfolioRisk:      v.MaxPortfolioRisk,
		KellyFraction:         v.KellyFraction,
		MinPositionPct:        v.MinPositionPct,
		UseRegimeAdjustment:   v.UseRegimeAdjustment,
		UseCorrelationScaling: v.UseCorrelationScaling,
		MaxCorrelatedRisk:     v.MaxCorrelatedRisk,
		LookbackTrades:        v.LookbackTrades,
	}
}
