package sizing

import (
	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/shopspring/decimal"
)

// BacktestQuantitySizer turns a SignalEvent's Strength into an order
// quantity by delegating to PositionSizer.CalculateSize, the bridge
// between the backtester's float64 signal events and this package's
// decimal.Decimal sizing math. The backtester core never depends on
// this package - it is an outer collaborator a caller wires between
// signal acceptance and order submission.
type BacktestQuantitySizer struct {
	sizer *PositionSizer
}

// NewBacktestQuantitySizer wraps an existing PositionSizer for use
// against SignalEvent/Position types.
func NewBacktestQuantitySizer(sizer *PositionSizer) *BacktestQuantitySizer {
	return &BacktestQuantitySizer{sizer: sizer}
}

// defaultStopPct is the fallback stop distance used for sizing when no
// position manager stop exists yet at entry time - a new position's real
// stop is only placed once the position manager sees it on the next bar.
const defaultStopPct = 0.02

// Quantity implements backtester.QuantitySizer, turning sig.Strength and
// the run's current equity/close price into an order quantity via
// PositionSizer.CalculateSize. The entry stop/take-profit aren't known
// yet (the position manager only places them once a position exists), so
// a symmetric defaultStopPct/2x-reward placeholder stands in for the
// risk/reward ratio CalculateSize needs.
func (s *BacktestQuantitySizer) Quantity(sig backtester.SignalEvent, equity, closePrice float64) float64 {
	stopDistance := closePrice * defaultStopPct
	stopPrice := closePrice - stopDistance
	takeProfitPrice := closePrice + 2*stopDistance
	if sig.Direction == backtester.SignalShort {
		stopPrice = closePrice + stopDistance
		takeProfitPrice = closePrice - 2*stopDistance
	}

	req := &SizingRequest{
		Symbol:         sig.Symbol,
		PortfolioValue: decimal.NewFromFloat(equity),
		CurrentPrice:   decimal.NewFromFloat(closePrice),
		StopLoss:       decimal.NewFromFloat(stopPrice),
		TakeProfit:     decimal.NewFromFloat(takeProfitPrice),
		Confidence:     sig.Strength,
	}
	if stats := s.sizer.GetTradeStatistics(); stats != nil {
		req.WinRate = stats.WinRate
		req.AvgWin = stats.AvgWin
		req.AvgLoss = stats.AvgLoss
	}

	result := s.sizer.CalculateSize(req)
	units, _ := result.PositionUnits.Float64()
	if units < 0 {
		return 0
	}
	return units
}
