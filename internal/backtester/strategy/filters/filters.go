// Package filters provides SignalFilter implementations that gate a
// generator's raw signals before they reach order submission, adapted
// from the risk manager's pre-trade CheckOrder gate down to the
// signal-strength and pacing concerns that apply before sizing exists.
package filters

import (
	"fmt"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
)

// ConfidenceFilter rejects signals whose Strength falls below a
// minimum threshold, the backtest analogue of the risk manager's
// minimum-order-size gate.
type ConfidenceFilter struct {
	MinStrength float64
}

func (f ConfidenceFilter) Name() string { return "confidence_threshold" }

func (f ConfidenceFilter) Accept(sig backtester.SignalEvent, bars []backtester.Bar, i int, values backtester.IndicatorValues) (bool, map[string]float64) {
	if sig.Strength < f.MinStrength {
		return false, map[string]float64{"strength": sig.Strength, "min_strength": f.MinStrength}
	}
	return true, nil
}

// CooldownFilter enforces a minimum bar gap between accepted signals
// for the same symbol, the backtest analogue of the risk manager's
// max-daily-trades pacing control.
type CooldownFilter struct {
	MinBarsBetween int

	lastAcceptedBar map[string]int
}

// NewCooldownFilter creates a cooldown filter requiring at least
// minBarsBetween bars between two accepted signals on the same symbol.
func NewCooldownFilter(minBarsBetween int) *CooldownFilter {
	return &CooldownFilter{
		MinBarsBetween:  minBarsBetween,
		lastAcceptedBar: make(map[string]int),
	}
}

func (f *CooldownFilter) Name() string { return "cooldown" }

func (f *CooldownFilter) Accept(sig backtester.SignalEvent, bars []backtester.Bar, i int, values backtester.IndicatorValues) (bool, map[string]float64) {
	last, seen := f.lastAcceptedBar[sig.Symbol]
	if seen && i-last < f.MinBarsBetween {
		return false, map[string]float64{
			"bars_since_last": float64(i - last),
			"min_bars":        float64(f.MinBarsBetween),
		}
	}
	f.lastAcceptedBar[sig.Symbol] = i
	return true, nil
}

// ConsecutiveLossFilter blocks new entries on a symbol after it has
// produced a run of losing trades, mirroring the risk manager's kill
// switch without the wall-clock cooldown - the next bar after the
// streak is simply re-evaluated by the caller resetting count via
// RecordTradeResult.
type ConsecutiveLossFilter struct {
	MaxConsecutiveLosses int

	streak map[string]int
}

// NewConsecutiveLossFilter creates a filter that halts a symbol after
// maxLosses consecutive losing trades until RecordTradeResult reports
// a win.
func NewConsecutiveLossFilter(maxLosses int) *ConsecutiveLossFilter {
	return &ConsecutiveLossFilter{
		MaxConsecutiveLosses: maxLosses,
		streak:               make(map[string]int),
	}
}

func (f *ConsecutiveLossFilter) Name() string { return "consecutive_loss_halt" }

func (f *ConsecutiveLossFilter) Accept(sig backtester.SignalEvent, bars []backtester.Bar, i int, values backtester.IndicatorValues) (bool, map[string]float64) {
	if f.streak[sig.Symbol] >= f.MaxConsecutiveLosses {
		return false, map[string]float64{"streak": float64(f.streak[sig.Symbol])}
	}
	return true, nil
}

// RecordTradeResult updates the loss streak for symbol after a trade
// closes; netPnL <= 0 extends the streak, a win resets it.
func (f *ConsecutiveLossFilter) RecordTradeResult(symbol string, netPnL float64) {
	if netPnL <= 0 {
		f.streak[symbol]++
		return
	}
	f.streak[symbol] = 0
}

// String is a debug helper naming the current streak, used in logging
// call sites rather than the filter's own Name.
func (f *ConsecutiveLossFilter) String(symbol string) string {
	return fmt.Sprintf("%s: streak=%d/%d", symbol, f.streak[symbol], f.MaxConsecutiveLosses)
}
