package backtester

import (
	"fmt"
	"sort"
)

// ErrInvalidState is returned by RecordFill when an order is already
// terminal - the no-double-fill invariant.
type ErrInvalidState struct {
	OrderID uint64
	Status  OrderStatus
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("order %d: invalid state transition from terminal status %s", e.OrderID, e.Status)
}

// OrderBook owns every order in an arena keyed by monotone integer id. OCO
// groups and bracket parent/child links are id references, never pointers,
// so the graph stays acyclic and trivially copyable for diagnostics.
type OrderBook struct {
	orders     map[uint64]*Order
	ocoGroups  map[uint64][]uint64
	nextID     uint64
	nextOcoID  uint64
}

// NewOrderBook creates an empty order book.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		orders:    make(map[uint64]*Order),
		ocoGroups: make(map[uint64][]uint64),
		nextID:    1,
		nextOcoID: 1,
	}
}

// NewOCOGroup allocates a fresh OCO group id.
func (ob *OrderBook) NewOCOGroup() uint64 {
	id := ob.nextOcoID
	ob.nextOcoID++
	return id
}

// Submit assigns an id and stores the order. MarketOnOpen/MarketOnClose
// orders and standalone (non-bracket-child) orders start Active; bracket
// children start Pending until their parent fills.
func (ob *OrderBook) Submit(o Order, currentBar int) uint64 {
	o.ID = ob.nextID
	ob.nextID++
	o.CreatedBar = currentBar
	if o.ActivatedBar == 0 {
		o.ActivatedBar = -1
	}
	o.TriggeredBar = -1

	switch {
	case o.isBracketChild():
		o.Status = Pending
	case o.Kind == MarketOnOpen || o.Kind == MarketOnClose:
		o.Status = Active
	default:
		o.Status = Active
	}

	if o.OCOGroupID != 0 {
		ob.ocoGroups[o.OCOGroupID] = append(ob.ocoGroups[o.OCOGroupID], o.ID)
	}

	orderCopy := o
	ob.orders[o.ID] = &orderCopy
	return o.ID
}

// SubmitBracket stores the entry as Active and both children as Pending,
// registering an OCO group linking the children.
func (ob *OrderBook) SubmitBracket(entry, stop Order, takeProfit *Order, currentBar int) (entryID, stopID uint64, takeProfitID uint64) {
	entry.ActivatedBar = -1
	entryID = ob.Submit(entry, currentBar)

	ocoGroup := ob.NewOCOGroup()

	stop.ParentID = entryID
	stop.OCOGroupID = ocoGroup
	stopID = ob.Submit(stop, currentBar)

	if takeProfit != nil {
		tp := *takeProfit
		tp.ParentID = entryID
		tp.OCOGroupID = ocoGroup
		takeProfitID = ob.Submit(tp, currentBar)
	}
	return entryID, stopID, takeProfitID
}

// Activate transitions Pending -> Active. Used when a bracket parent fills.
func (ob *OrderBook) Activate(id uint64, currentBar int) {
	o, ok := ob.orders[id]
	if !ok || o.Status != Pending {
		return
	}
	o.Status = Active
	o.ActivatedBar = currentBar
}

// Trigger transitions Active -> Triggered for a stop order that has
// touched its trigger price this bar.
func (ob *OrderBook) Trigger(id uint64, currentBar int) {
	o, ok := ob.orders[id]
	if !ok || o.Status != Active {
		return
	}
	o.Status = Triggered
	o.TriggeredBar = currentBar
}

// RecordFill applies a fill of qty to order id. Returns true if the order
// is now completely filled. Returns ErrInvalidState if the order is already
// terminal. When the order reaches Filled and belongs to an OCO group,
// every other non-terminal member of that group is cancelled atomically.
func (ob *OrderBook) RecordFill(id uint64, qty float64) (bool, error) {
	o, ok := ob.orders[id]
	if !ok {
		return false, fmt.Errorf("order %d not found", id)
	}
	if o.Status.Terminal() {
		return false, &ErrInvalidState{OrderID: id, Status: o.Status}
	}

	o.FilledQuantity += qty
	if o.FilledQuantity >= o.Quantity-1e-9 {
		o.FilledQuantity = o.Quantity
		o.Status = Filled
		if o.OCOGroupID != 0 {
			ob.cancelOcoSiblings(o.OCOGroupID, id)
		}
		return true, nil
	}

	o.Status = PartiallyFilled
	return false, nil
}

func (ob *OrderBook) cancelOcoSiblings(groupID, filledID uint64) {
	for _, memberID := range ob.ocoGroups[groupID] {
		if memberID == filledID {
			continue
		}
		member, ok := ob.orders[memberID]
		if !ok || member.Status.Terminal() {
			continue
		}
		member.Status = Cancelled
		member.CancelReason = CancelReasonOcoSibling
	}
}

// Cancel transitions any non-terminal order to Cancelled.
func (ob *OrderBook) Cancel(id uint64, reason CancelReason) bool {
	o, ok := ob.orders[id]
	if !ok || o.Status.Terminal() {
		return false
	}
	o.Status = Cancelled
	o.CancelReason = reason
	return true
}

// Get returns the order by id.
func (ob *OrderBook) Get(id uint64) (*Order, bool) {
	o, ok := ob.orders[id]
	return o, ok
}

// ActiveForSymbol returns orders eligible to fill on this symbol this bar:
// Active orders, and Triggered StopLimit orders armed before this bar -
// excluding bracket children whose ActivatedBar equals the current bar
// (the same-bar no-entry-and-exit rule).
func (ob *OrderBook) ActiveForSymbol(symbol string, currentBar int, kinds ...OrderKind) []*Order {
	kindSet := make(map[OrderKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var out []*Order
	for _, o := range ob.orders {
		if o.Symbol != symbol {
			continue
		}
		if len(kindSet) > 0 && !kindSet[o.Kind] {
			continue
		}
		if o.isBracketChild() && o.ActivatedBar == currentBar {
			continue
		}
		switch o.Status {
		case Active:
			out = append(out, o)
		case Triggered:
			if o.Kind == StopLimit && o.TriggeredBar != currentBar {
				out = append(out, o)
			}
		}
	}
	// ob.orders is a map, so range order is randomized per run; every phase
	// (not just RunIntrabar's policy-aware ordering) needs a deterministic
	// base order, so sort by id - submission order - before returning.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllOrders returns every order in the book, for diagnostics/tests only.
func (ob *OrderBook) AllOrders() []*Order {
	out := make([]*Order, 0, len(ob.orders))
	for _, o := range ob.orders {
		out = append(out, o)
	}
	return out
}
