package backtester

import "math"

// GapPolicy governs what happens to a stop order when the bar opens beyond
// its trigger: FillAtOpen fills it at the open (marked WasGapped), Skip
// leaves it active for the next bar.
type GapPolicy int

const (
	FillAtOpen GapPolicy = iota
	Skip
)

// ExecutionEngine runs the three fill phases (start-of-bar MOO, intrabar
// Limit/Stop/StopLimit, end-of-bar MOC) against an OrderBook for one bar
// of one symbol, applying the cost model and path policy configured for
// the run.
type ExecutionEngine struct {
	Cost       CostModel
	PathPolicy PathPolicy
	GapPolicy  GapPolicy
}

// NewExecutionEngine builds an engine from a cost preset, path policy and
// gap policy.
func NewExecutionEngine(preset CostModelPreset, path PathPolicy, gap GapPolicy) *ExecutionEngine {
	return &ExecutionEngine{Cost: PresetCostModel(preset), PathPolicy: path, GapPolicy: gap}
}

func (e *ExecutionEngine) makeFill(o *Order, price float64, bar int, wasGapped bool) Fill {
	qty := o.remaining()
	slip, comm := e.Cost.Apply(price, qty)
	return Fill{
		OrderID:       o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         price,
		Quantity:      qty,
		Bar:           bar,
		SlippageAmt:   slip,
		CommissionAmt: comm,
		WasGapped:     wasGapped,
		SignalID:      o.SignalID,
	}
}

// RunStartOfBar fills every MarketOnOpen order for symbol at bar.Open and
// activates any bracket child whose parent is one of the filled orders.
func (e *ExecutionEngine) RunStartOfBar(ob *OrderBook, bar Bar, barIndex int) []Fill {
	var fills []Fill
	for _, o := range ob.ActiveForSymbol(bar.Symbol, barIndex, MarketOnOpen) {
		fill := e.makeFill(o, bar.Open, barIndex, false)
		if _, err := ob.RecordFill(o.ID, fill.Quantity); err == nil {
			fills = append(fills, fill)
			e.activateChildren(ob, o.ID, barIndex)
		}
	}
	return fills
}

// RunEndOfBar fills every MarketOnClose order for symbol at bar.Close.
func (e *ExecutionEngine) RunEndOfBar(ob *OrderBook, bar Bar, barIndex int) []Fill {
	var fills []Fill
	for _, o := range ob.ActiveForSymbol(bar.Symbol, barIndex, MarketOnClose) {
		fill := e.makeFill(o, bar.Close, barIndex, false)
		if _, err := ob.RecordFill(o.ID, fill.Quantity); err == nil {
			fills = append(fills, fill)
			e.activateChildren(ob, o.ID, barIndex)
		}
	}
	return fills
}

func (e *ExecutionEngine) activateChildren(ob *OrderBook, parentID uint64, barIndex int) {
	for _, o := range ob.AllOrders() {
		if o.ParentID == parentID && o.Status == Pending {
			ob.Activate(o.ID, barIndex)
		}
	}
}

// RunIntrabar evaluates Limit, StopMarket and StopLimit orders against
// bar's range, in the order the configured PathPolicy dictates, stopping
// an order's sibling in the same OCO group from also being considered
// once one member fills (RecordFill already cancels siblings).
func (e *ExecutionEngine) RunIntrabar(ob *OrderBook, bar Bar, barIndex int, positionSide PositionSide) []Fill {
	candidates := ob.ActiveForSymbol(bar.Symbol, barIndex, Limit, StopMarket, StopLimit)
	ordered := orderEvaluationSequence(bar, candidates, positionSide, e.PathPolicy)

	var fills []Fill
	for _, o := range ordered {
		if o.Status.Terminal() {
			continue // cancelled as an OCO sibling earlier in this loop
		}
		fill, ok := e.tryFillIntrabar(o, bar, barIndex)
		if !ok {
			continue
		}
		if _, err := ob.RecordFill(o.ID, fill.Quantity); err == nil {
			fills = append(fills, fill)
			e.activateChildren(ob, o.ID, barIndex)
		}
	}
	return fills
}

// tryFillIntrabar applies the fill-eligibility rule for one order's kind
// against the bar's high/low/open; gap policy applies to stop orders.
func (e *ExecutionEngine) tryFillIntrabar(o *Order, bar Bar, barIndex int) (Fill, bool) {
	switch o.Kind {
	case Limit:
		return e.tryFillLimit(o, bar, barIndex)
	case StopMarket:
		return e.tryFillStop(o, bar, barIndex, o.TriggerPrice)
	case StopLimit:
		return e.tryFillStopLimit(o, bar, barIndex)
	}
	return Fill{}, false
}

func (e *ExecutionEngine) tryFillLimit(o *Order, bar Bar, barIndex int) (Fill, bool) {
	if o.Side == Buy {
		if bar.Low > o.LimitPrice {
			return Fill{}, false
		}
		price := math.Min(o.LimitPrice, bar.Open)
		gapped := bar.Open < o.LimitPrice
		return e.makeFill(o, price, barIndex, gapped), true
	}
	if bar.High < o.LimitPrice {
		return Fill{}, false
	}
	price := math.Max(o.LimitPrice, bar.Open)
	gapped := bar.Open > o.LimitPrice
	return e.makeFill(o, price, barIndex, gapped), true
}

func (e *ExecutionEngine) tryFillStop(o *Order, bar Bar, barIndex int, trigger float64) (Fill, bool) {
	if o.Side == Buy {
		if bar.High < trigger {
			return Fill{}, false
		}
		price := math.Max(trigger, bar.Open)
		gapped := bar.Open > trigger
		if gapped && e.GapPolicy == Skip {
			return Fill{}, false
		}
		return e.makeFill(o, price, barIndex, gapped), true
	}
	if bar.Low > trigger {
		return Fill{}, false
	}
	price := math.Min(trigger, bar.Open)
	gapped := bar.Open < trigger
	if gapped && e.GapPolicy == Skip {
		return Fill{}, false
	}
	return e.makeFill(o, price, barIndex, gapped), true
}

// tryFillStopLimit arms (Active -> Triggered) the order the bar its
// trigger price is touched, then only considers its limit price starting
// the following bar - RunIntrabar's ActiveForSymbol filter already
// excludes Triggered orders on their own arming bar, so this function
// only needs to arm Active orders and fill already-armed ones.
func (e *ExecutionEngine) tryFillStopLimit(o *Order, bar Bar, barIndex int) (Fill, bool) {
	if o.Status == Active {
		touched := (o.Side == Buy && bar.High >= o.TriggerPrice) ||
			(o.Side == Sell && bar.Low <= o.TriggerPrice)
		if touched {
			// armed this bar: record but do not fill, per the conservative
			// arm-now fill-next-bar rule.
			o.Status = Triggered
			o.TriggeredBar = barIndex
		}
		return Fill{}, false
	}
	// Already Triggered from an earlier bar: evaluate as a plain limit.
	return e.tryFillLimit(o, bar, barIndex)
}
