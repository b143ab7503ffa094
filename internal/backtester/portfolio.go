package backtester

import "math"

// Position tracks one symbol's open exposure. Side is Flat when quantity
// is zero; CurrentStop is the ratchet floor/ceiling a PositionManager has
// placed, or NaN if none is active. StopOrderID is the order book id of
// the live protective stop backing CurrentStop, or 0 if none has been
// submitted yet - the driver cancel_replaces it in lockstep with
// CurrentStop (see applyIntent's IntentUpdateStop case).
type Position struct {
	Symbol      string
	Side        PositionSide
	Quantity    float64
	AvgEntry    float64
	EntryBar    int
	RealizedPnL float64
	CurrentStop float64
	StopOrderID uint64
	BarsHeld    int
}

func newFlatPosition(symbol string) *Position {
	return &Position{Symbol: symbol, Side: Flat, CurrentStop: math.NaN()}
}

// InvariantViolation is the typed panic value VerifyEquityIdentity raises
// when the equity identity drifts. It is never recovered inside this
// package; a broken invariant is a bug, not a runtime condition to route
// around. A fill against a terminal order is reported by the order book's
// RecordFill as an error instead, and stop ratcheting is enforced by
// clamping, so neither raises it.
type InvariantViolation struct {
	Reason string
}

func (e InvariantViolation) Error() string {
	return "invariant violation: " + e.Reason
}

// Fill is the record of an order (partially or fully) executing.
type Fill struct {
	OrderID       uint64
	Symbol        string
	Side          OrderSide
	Price         float64
	Quantity      float64
	Bar           int
	SlippageAmt   float64
	CommissionAmt float64
	WasGapped     bool
	SignalID      string
}

// Portfolio is the cash/positions ledger. Cash and positions are the
// "live" view; auditedRealized/auditedUnrealized are kept independently
// so VerifyEquityIdentity is a genuine cross-check, not the same
// arithmetic performed twice.
type Portfolio struct {
	Cash            float64
	InitialCapital  float64
	Positions       map[string]*Position
	TotalCommission float64
	TotalSlippage   float64

	auditedRealized   float64
	auditedUnrealized float64
}

// NewPortfolio creates a portfolio starting flat in every symbol with the
// given starting cash.
func NewPortfolio(initialCapital float64, symbols []string) *Portfolio {
	p := &Portfolio{
		Cash:           initialCapital,
		InitialCapital: initialCapital,
		Positions:      make(map[string]*Position, len(symbols)),
	}
	for _, s := range symbols {
		p.Positions[s] = newFlatPosition(s)
	}
	return p
}

// ApplyFill updates cash and the position for fill.Symbol, averaging into
// an existing same-side position, partially or fully covering/closing an
// opposite-side one, and flipping side when a fill overshoots a full
// close. Realized PnL is booked on the covered/closed quantity only.
func (p *Portfolio) ApplyFill(f Fill) {
	pos, ok := p.Positions[f.Symbol]
	if !ok {
		pos = newFlatPosition(f.Symbol)
		p.Positions[f.Symbol] = pos
	}

	gross := f.Price * f.Quantity
	p.TotalCommission += f.CommissionAmt
	p.TotalSlippage += f.SlippageAmt

	switch {
	case pos.Side == Flat:
		p.openPosition(pos, f)
	case (pos.Side == Long && f.Side == Buy) || (pos.Side == Short && f.Side == Sell):
		p.addToPosition(pos, f)
	default:
		p.reduceOrFlipPosition(pos, f)
	}

	switch f.Side {
	case Buy:
		p.Cash -= gross + f.CommissionAmt + f.SlippageAmt
	case Sell:
		p.Cash += gross - f.CommissionAmt - f.SlippageAmt
	}
}

func (p *Portfolio) openPosition(pos *Position, f Fill) {
	pos.Side = Long
	if f.Side == Sell {
		pos.Side = Short
	}
	pos.Quantity = f.Quantity
	pos.AvgEntry = f.Price
	pos.EntryBar = f.Bar
	pos.BarsHeld = 0
	pos.CurrentStop = math.NaN()
}

func (p *Portfolio) addToPosition(pos *Position, f Fill) {
	totalQty := pos.Quantity + f.Quantity
	pos.AvgEntry = (pos.AvgEntry*pos.Quantity + f.Price*f.Quantity) / totalQty
	pos.Quantity = totalQty
}

func (p *Portfolio) reduceOrFlipPosition(pos *Position, f Fill) {
	closing := math.Min(pos.Quantity, f.Quantity)
	var pnlPerUnit float64
	if pos.Side == Long {
		pnlPerUnit = f.Price - pos.AvgEntry
	} else {
		pnlPerUnit = pos.AvgEntry - f.Price
	}
	realized := pnlPerUnit * closing
	pos.RealizedPnL += realized
	p.auditedRealized += realized

	remaining := f.Quantity - closing
	pos.Quantity -= closing

	if pos.Quantity > 1e-9 {
		return // partial close, same side continues
	}

	if remaining > 1e-9 {
		// overshoot: flips the position to the opposite side
		newSide := Long
		if f.Side == Sell {
			newSide = Short
		}
		pos.Side = newSide
		pos.Quantity = remaining
		pos.AvgEntry = f.Price
		pos.EntryBar = f.Bar
		pos.BarsHeld = 0
		pos.CurrentStop = math.NaN()
		return
	}

	pos.Side = Flat
	pos.Quantity = 0
	pos.AvgEntry = 0
	pos.CurrentStop = math.NaN()
}

// unrealizedFor returns the mark-to-market unrealized PnL of pos at
// closePrice. Zero for a flat position.
func unrealizedFor(pos *Position, closePrice float64) float64 {
	if pos.Side == Flat {
		return 0
	}
	if pos.Side == Long {
		return (closePrice - pos.AvgEntry) * pos.Quantity
	}
	return (pos.AvgEntry - closePrice) * pos.Quantity
}

// MarkToMarket recomputes unrealized PnL across all positions given the
// current close (or carried-forward close for a void bar) per symbol.
func (p *Portfolio) MarkToMarket(closes map[string]float64) {
	total := 0.0
	for symbol, pos := range p.Positions {
		if pos.Side == Flat {
			continue
		}
		closePrice, ok := closes[symbol]
		if !ok {
			continue
		}
		total += unrealizedFor(pos, closePrice)
	}
	p.auditedUnrealized = total
}

// Equity is cash plus the mark-to-market value of every open position: a
// long adds its current market value (cash already paid the entry cost),
// a short subtracts the cost to cover (cash already received the entry
// proceeds).
func (p *Portfolio) Equity(closes map[string]float64) float64 {
	total := p.Cash
	for symbol, pos := range p.Positions {
		if pos.Side == Flat {
			continue
		}
		closePrice, ok := closes[symbol]
		if !ok {
			continue
		}
		marketValue := closePrice * pos.Quantity
		if pos.Side == Long {
			total += marketValue
		} else {
			total -= marketValue
		}
	}
	return total
}

// AuditedEquity recomputes net worth from the independently tracked
// realized/commission/slippage aggregates rather than from Cash directly,
// giving VerifyEquityIdentity a second, non-tautological measurement.
func (p *Portfolio) AuditedEquity() float64 {
	return p.InitialCapital + p.auditedRealized - p.TotalCommission - p.TotalSlippage + p.auditedUnrealized
}

// VerifyEquityIdentity panics with InvariantViolation if the live and
// audited equity views disagree by more than 1e-6.
func (p *Portfolio) VerifyEquityIdentity(closes map[string]float64) {
	live := p.Equity(closes)
	audited := p.AuditedEquity()
	if math.Abs(live-audited) > 1e-6 {
		panic(InvariantViolation{Reason: "equity identity drift exceeds tolerance"})
	}
}
