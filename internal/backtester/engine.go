// Package backtester provides the deterministic bar-driven backtest engine.
package backtester

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/atlas-desktop/trading-backend/internal/backtester/telemetry"
	"go.uber.org/zap"
)

// pendingSubmission is an order waiting to enter the book at the start of
// the bar after the one it was queued on - the structural enforcement of
// "signal at bar t can fill no earlier than bar t+1".
type pendingSubmission struct {
	order        Order
	isBracket    bool
	stop         Order
	takeProfit   *Order
	hasTakeProfit bool
}

// Engine runs the four-phase per-bar schedule over an aligned set of
// symbol bar series: start-of-bar MOO fills, intrabar Limit/Stop/StopLimit
// evaluation, end-of-bar MOC fills, and the post-bar position-manager /
// signal-generation / mark-to-market / equity-recording phase.
type Engine struct {
	logger *zap.Logger

	config      BacktestConfig
	indicators  []Indicator
	generators  []SignalGenerator
	filters     []SignalFilter
	pms         map[string]PositionManager // keyed by symbol

	exec      *ExecutionEngine
	orderBook *OrderBook
	recorder  *telemetry.Recorder
	sizer     QuantitySizer

	cancelled atomic.Bool
	barsDone  atomic.Uint64
}

// NewEngine creates an engine. pms maps a symbol to the PositionManager
// governing its open position; a symbol absent from the map never has its
// stop adjusted automatically.
func NewEngine(logger *zap.Logger, config BacktestConfig, indicators []Indicator, generators []SignalGenerator, filters []SignalFilter, pms map[string]PositionManager) *Engine {
	return &Engine{
		logger:     logger,
		config:     config,
		indicators: indicators,
		generators: generators,
		filters:    filters,
		pms:        pms,
		exec:       NewExecutionEngine(config.CostPreset, config.PathPolicy, config.GapPolicy),
		orderBook:  NewOrderBook(),
	}
}

// WithRecorder attaches a telemetry.Recorder the run reports bar,
// fill, cancellation and signal counts into. Optional - a nil recorder
// (the default) disables reporting entirely.
func (e *Engine) WithRecorder(r *telemetry.Recorder) *Engine {
	e.recorder = r
	return e
}

// WithQuantitySizer attaches the sizer accepted signals use to compute an
// entry order's quantity. Optional - without one every accepted signal
// enters with a quantity of 1.
func (e *Engine) WithQuantitySizer(s QuantitySizer) *Engine {
	e.sizer = s
	return e
}

// Cancel requests the run stop at the next bar boundary; in-flight bar
// processing always completes first, so the result is never torn mid-bar.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Run executes the backtest over barsBySymbol, which must be date-aligned
// and equal length per symbol (use AlignedLen to check beforehand).
func (e *Engine) Run(ctx context.Context, barsBySymbol map[string]BarSeries) (*BacktestResult, error) {
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest config: %w", err)
	}
	barCount := AlignedLen(barsBySymbol)
	if barCount <= 0 {
		return nil, fmt.Errorf("bar series are not aligned or empty")
	}

	symbols := make([]string, 0, len(barsBySymbol))
	for s := range barsBySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	indicatorValues := PrecomputeIndicators(barsBySymbol, e.indicators)
	warmup := WarmupBars(e.config.WarmupBars, e.indicators)

	portfolio := NewPortfolio(e.config.InitialCapital, symbols)
	lastValidClose := make(map[string]float64, len(symbols))
	voidCounts := make(map[string]int, len(symbols))

	result := &BacktestResult{
		VoidBarRates: make(map[string]float64, len(symbols)),
		WarmupBars:   warmup,
		BarCount:     barCount,
	}

	var pendingQueue []pendingSubmission
	lastEquity := e.config.InitialCapital

	for barIndex := 0; barIndex < barCount; barIndex++ {
		select {
		case <-ctx.Done():
			result.Cancelled = true
			e.finalize(result, portfolio, barsBySymbol, lastValidClose)
			return result, ctx.Err()
		default:
		}
		if e.cancelled.Load() {
			result.Cancelled = true
			break
		}

		pendingQueue = e.drainSubmissions(pendingQueue, barIndex)

		closes := make(map[string]float64, len(symbols))
		for _, symbol := range symbols {
			bar := barsBySymbol[symbol][barIndex]

			if bar.IsVoid() {
				voidCounts[symbol]++
				if prev, ok := lastValidClose[symbol]; ok {
					closes[symbol] = prev
				}
				continue
			}

			pos := portfolio.Positions[symbol]
			fills := e.runFillPhases(barsBySymbol[symbol], barIndex, pos.Side)
			for _, f := range fills {
				portfolio.ApplyFill(f)
			}
			result.Fills = append(result.Fills, fills...)
			if pos.StopOrderID != 0 && isNaNFloat(pos.CurrentStop) {
				// The position just opened, flipped or closed (portfolio
				// resets CurrentStop to NaN in all three cases) and left a
				// protective stop from the prior episode still live -
				// cancel it rather than let it fire against an unrelated
				// position.
				e.orderBook.Cancel(pos.StopOrderID, CancelReasonPositionClosed)
				pos.StopOrderID = 0
			}
			if pos.Side != Flat {
				pos.BarsHeld++
			}

			lastValidClose[symbol] = bar.Close
			closes[symbol] = bar.Close

			if barIndex >= warmup {
				e.runPostBarPhase(symbol, bar, barIndex, barsBySymbol[symbol], indicatorValues[symbol], portfolio.Positions[symbol], result, &pendingQueue, lastEquity)
			}
		}

		portfolio.MarkToMarket(closes)
		portfolio.VerifyEquityIdentity(closes)
		equity := portfolio.Equity(closes)
		result.EquityCurve = append(result.EquityCurve, EquityPoint{BarIndex: barIndex, Equity: equity})
		e.barsDone.Add(1)
		if e.recorder != nil {
			e.recorder.ObserveBar(equity)
		}
		lastEquity = equity
	}

	e.finalize(result, portfolio, barsBySymbol, lastValidClose)

	for symbol, bars := range barsBySymbol {
		if len(bars) == 0 {
			continue
		}
		rate := float64(voidCounts[symbol]) / float64(len(bars))
		result.VoidBarRates[symbol] = rate
		if e.recorder != nil {
			e.recorder.ObserveVoidBarRate(symbol, rate)
		}
		if rate > 0.10 {
			result.DataQualityWarnings = append(result.DataQualityWarnings,
				fmt.Sprintf("symbol %s: void bar rate %.1f%% exceeds 10%%", symbol, rate*100))
		}
	}

	return result, nil
}

// drainSubmissions submits every order queued during the previous bar's
// post-bar phase, entering the book at the start of barIndex - the
// structural mechanism that makes a bar-t signal ineligible to fill
// before bar t+1.
func (e *Engine) drainSubmissions(queue []pendingSubmission, barIndex int) []pendingSubmission {
	for _, sub := range queue {
		if sub.isBracket {
			var tp *Order
			if sub.hasTakeProfit {
				tp = &sub.takeProfit
			}
			e.orderBook.SubmitBracket(sub.order, sub.stop, tp, barIndex)
			continue
		}
		e.orderBook.Submit(sub.order, barIndex)
	}
	return nil
}

// runFillPhases executes Phase 1 (MOO), Phase 2 (intrabar) and Phase 3
// (MOC) in order for one symbol's bar.
func (e *Engine) runFillPhases(bars BarSeries, barIndex int, positionSide PositionSide) []Fill {
	bar := bars[barIndex]
	var fills []Fill

	startOfBar := e.exec.RunStartOfBar(e.orderBook, bar, barIndex)
	intrabar := e.exec.RunIntrabar(e.orderBook, bar, barIndex, positionSide)
	endOfBar := e.exec.RunEndOfBar(e.orderBook, bar, barIndex)

	if e.recorder != nil {
		e.recorder.ObserveFills(map[string]int{
			"start_of_bar": len(startOfBar),
			"intrabar":     len(intrabar),
			"end_of_bar":   len(endOfBar),
		})
	}

	fills = append(fills, startOfBar...)
	fills = append(fills, intrabar...)
	fills = append(fills, endOfBar...)
	return fills
}

// runPostBarPhase runs Phase 4: position-manager stop ratcheting, signal
// generation/filtering, queuing any resulting orders for the next bar.
func (e *Engine) runPostBarPhase(symbol string, bar Bar, barIndex int, bars BarSeries, values IndicatorValues, pos *Position, result *BacktestResult, pendingQueue *[]pendingSubmission, equity float64) {
	if pm, ok := e.pms[symbol]; ok {
		// Update also runs while flat so a manager can reset its
		// per-position state; only an open position's intent is applied.
		intent := pm.Update(pos, barIndex, bars, values)
		if pos.Side != Flat {
			e.applyIntent(symbol, pos, intent, barIndex, pendingQueue)
		}
	}

	for _, gen := range e.generators {
		if barIndex < gen.WarmupBars() {
			continue
		}
		sig := gen.Evaluate(bars[:barIndex+1], barIndex, values)
		if sig == nil {
			continue
		}
		sig.Symbol = symbol

		if !e.config.TradingMode.Allows(sig.Direction) {
			result.RejectedSignals = append(result.RejectedSignals, RejectedSignal{Signal: *sig, FilterName: "trading_mode"})
			if e.recorder != nil {
				e.recorder.ObserveSignal("rejected", "trading_mode")
			}
			continue
		}

		accepted := true
		for _, f := range e.filters {
			ok, meta := f.Accept(*sig, bars, barIndex, values)
			if !ok {
				accepted = false
				result.RejectedSignals = append(result.RejectedSignals, RejectedSignal{Signal: *sig, FilterName: f.Name(), Metadata: meta})
				if e.recorder != nil {
					e.recorder.ObserveSignal("rejected", f.Name())
				}
				break
			}
		}
		if !accepted {
			continue
		}

		sig.ID = fmt.Sprintf("%s-%d-%s", symbol, barIndex, gen.Name())
		result.SignalEvents = append(result.SignalEvents, *sig)
		if e.recorder != nil {
			e.recorder.ObserveSignal("accepted", "")
		}

		side := Buy
		if sig.Direction == SignalShort {
			side = Sell
		}

		var qty float64
		switch {
		case pos.Side == Flat:
			qty = 1.0
			if e.sizer != nil {
				qty = e.sizer.Quantity(*sig, equity, bar.Close)
			}
		case (pos.Side == Long && side == Sell) || (pos.Side == Short && side == Buy):
			qty = pos.Quantity // opposing signal exits the open position in full
		default:
			continue // same-direction signal while already positioned: no pyramiding
		}
		if qty <= 0 {
			continue
		}

		*pendingQueue = append(*pendingQueue, pendingSubmission{order: Order{
			Symbol:     symbol,
			Side:       side,
			Kind:       MarketOnOpen,
			Quantity:   qty,
			CreatedBar: barIndex,
			SignalID:   sig.ID,
		}})
	}
}

func (e *Engine) applyIntent(symbol string, pos *Position, intent OrderIntent, barIndex int, pendingQueue *[]pendingSubmission) {
	switch intent.Kind {
	case IntentUpdateStop:
		newStop, changed := applyPositionManagerIntent(pos, intent)
		if !changed {
			return
		}
		pos.CurrentStop = newStop
		e.replaceStopOrder(symbol, pos, newStop, barIndex)
	case IntentPlace:
		o := intent.Order
		o.Symbol = symbol
		*pendingQueue = append(*pendingQueue, pendingSubmission{order: o})
	case IntentCancelAll:
		for _, o := range e.orderBook.AllOrders() {
			if o.Symbol == symbol && !o.Status.Terminal() {
				e.orderBook.Cancel(o.ID, CancelReasonUser)
				if e.recorder != nil {
					e.recorder.ObserveCancel(string(CancelReasonUser))
				}
			}
		}
		pos.StopOrderID = 0
	}
}

// replaceStopOrder performs the cancel_replace every ratchet-accepted stop
// update requires: the position's existing protective stop (if any) is
// cancelled and a fresh StopMarket order is submitted and activated
// immediately - not queued for the next bar like a signal-driven entry -
// inheriting the cancelled order's parent/OCO linkage so a bracket stays
// intact across replaces.
func (e *Engine) replaceStopOrder(symbol string, pos *Position, newStop float64, barIndex int) {
	var parentID, ocoGroupID uint64
	if pos.StopOrderID != 0 {
		if old, ok := e.orderBook.Get(pos.StopOrderID); ok {
			parentID = old.ParentID
			ocoGroupID = old.OCOGroupID
		}
		e.orderBook.Cancel(pos.StopOrderID, CancelReasonRatchetReplace)
		if e.recorder != nil {
			e.recorder.ObserveCancel(string(CancelReasonRatchetReplace))
		}
	}

	side := Sell
	if pos.Side == Short {
		side = Buy
	}

	replacement := Order{
		Symbol:       symbol,
		Side:         side,
		Kind:         StopMarket,
		TriggerPrice: newStop,
		Quantity:     pos.Quantity,
		ParentID:     parentID,
		OCOGroupID:   ocoGroupID,
	}
	pos.StopOrderID = e.orderBook.Submit(replacement, barIndex)
	if parentID != 0 {
		// Submit parks a bracket child Pending; this is a replacement of
		// an already-active protective order, so it activates at once.
		e.orderBook.Activate(pos.StopOrderID, barIndex)
	}
}

func (e *Engine) finalize(result *BacktestResult, portfolio *Portfolio, barsBySymbol map[string]BarSeries, lastValidClose map[string]float64) {
	result.Trades = ExtractTrades(result.Fills, barsBySymbol)
	calc := NewMetricsCalculator()
	result.Metrics = calc.Calculate(result.Trades, result.EquityCurve, portfolio.InitialCapital)
}
