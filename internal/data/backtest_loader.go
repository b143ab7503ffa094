package data

import (
	"context"
	"math"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/backtester"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BacktestLoader adapts Store's decimal-based OHLCV history into the
// backtester's float64/NaN-sentinel bar series, voiding any bar the
// quality validator flags as OHLC-inconsistent rather than dropping it
// - a dropped bar would break date alignment across symbols, a void
// bar degrades gracefully through the engine's void-bar phase skip.
type BacktestLoader struct {
	logger    *zap.Logger
	store     *Store
	validator *DataQualityValidator
}

// NewBacktestLoader creates a loader over an existing Store.
func NewBacktestLoader(logger *zap.Logger, store *Store) *BacktestLoader {
	return &BacktestLoader{
		logger:    logger,
		store:     store,
		validator: NewDataQualityValidator(logger),
	}
}

// Load fetches bars for symbol over [start, end] and converts them to
// a backtester.BarSeries, voiding any OHLC-inconsistent bar in place.
func (l *BacktestLoader) Load(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) (backtester.BarSeries, error) {
	raw, err := l.store.LoadOHLCV(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}

	report := l.validator.Validate(raw, symbol)
	inconsistentBars := make(map[int]bool)
	for _, issue := range report.Issues {
		if issue.Type == "OHLC_INCONSISTENT" {
			inconsistentBars[issue.BarIndex] = true
		}
	}

	out := make(backtester.BarSeries, len(raw))
	for i, b := range raw {
		if inconsistentBars[i] {
			out[i] = backtester.Bar{Symbol: symbol, Date: b.Timestamp, Open: math.NaN(), High: math.NaN(), Low: math.NaN(), Close: math.NaN()}
			continue
		}
		out[i] = backtester.Bar{
			Symbol:   symbol,
			Date:     b.Timestamp,
			Open:     toFloat(b.Open),
			High:     toFloat(b.High),
			Low:      toFloat(b.Low),
			Close:    toFloat(b.Close),
			Volume:   toFloat(b.Volume),
			AdjClose: toFloat(b.Close),
		}
	}
	return out, nil
}

// LoadAligned loads every symbol in symbols over the same range and
// returns the series keyed by symbol. It does not check that the series
// have equal length; backtester.AlignedLen reports that.
func (l *BacktestLoader) LoadAligned(ctx context.Context, symbols []string, timeframe types.Timeframe, start, end time.Time) (map[string]backtester.BarSeries, error) {
	out := make(map[string]backtester.BarSeries, len(symbols))
	for _, symbol := range symbols {
		series, err := l.Load(ctx, symbol, timeframe, start, end)
		if err != nil {
			return nil, err
		}
		out[symbol] = series
	}
	return out, nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
