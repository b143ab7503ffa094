package backtester

import (
	"math"
	"sort"
)

// PathPolicy resolves the order in which multiple orders on the same
// symbol are evaluated for an intrabar fill when more than one could have
// crossed within the same bar.
type PathPolicy int

const (
	WorstCase PathPolicy = iota
	BestCase
	Deterministic
)

// PositionSide classifies the position an order's fill would affect, used
// to decide whether a fill is adverse or favorable to the holder.
type PositionSide int

const (
	Flat PositionSide = iota
	Long
	Short
)

// intrabarPath returns the four-point polyline the bar's price is assumed
// to have traced, inferred from which extreme is closer to the open: if
// the open is strictly nearer the low than the high, the path is
// open -> low -> high -> close; otherwise (ties included)
// open -> high -> low -> close.
func intrabarPath(bar Bar) [4]float64 {
	distToHigh := math.Abs(bar.Open - bar.High)
	distToLow := math.Abs(bar.Open - bar.Low)
	if distToLow < distToHigh {
		return [4]float64{bar.Open, bar.Low, bar.High, bar.Close}
	}
	return [4]float64{bar.Open, bar.High, bar.Low, bar.Close}
}

// firstCrossPosition returns the fractional position (0..3) along the
// bar's inferred path at which price first reaches target, or -1 if the
// path never reaches it.
func firstCrossPosition(path [4]float64, target float64) float64 {
	for seg := 0; seg < 3; seg++ {
		a, b := path[seg], path[seg+1]
		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		if target < lo-1e-9 || target > hi+1e-9 {
			continue
		}
		if a == b {
			return float64(seg)
		}
		frac := (target - a) / (b - a)
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}
		return float64(seg) + frac
	}
	return -1
}

// orderTargetPrice returns the price level at which the order would
// trigger or fill, used as the Deterministic policy's sort key.
func orderTargetPrice(o *Order) float64 {
	switch o.Kind {
	case Limit:
		return o.LimitPrice
	case StopMarket:
		return o.TriggerPrice
	case StopLimit:
		if o.Status == Triggered {
			return o.LimitPrice
		}
		return o.TriggerPrice
	default:
		return o.LimitPrice
	}
}

// isAdverse reports whether this order's fill is adverse (true) or
// favorable (false) to the holder of positionSide. A flat position has no
// holder to be adverse to; by convention new entries via stops are
// classified adverse (momentum chasing a breakout against a flat account)
// and limit entries favorable (buying a dip), matching the risk-averse
// default used elsewhere in this package.
func isAdverse(o *Order, positionSide PositionSide) bool {
	switch positionSide {
	case Long:
		if o.Side == Sell {
			if o.Kind == StopMarket || o.Kind == StopLimit {
				return true // stop-loss
			}
			return false // take-profit limit
		}
		return true
	case Short:
		if o.Side == Buy {
			if o.Kind == StopMarket || o.Kind == StopLimit {
				return true // stop-loss (buy to cover)
			}
			return false // take-profit limit
		}
		return true
	default: // Flat
		if o.Kind == StopMarket || o.Kind == StopLimit {
			return true
		}
		return false
	}
}

// orderEvaluationSequence orders candidates for intrabar fill evaluation
// per the given policy. Ties break on order id (submission order) for
// determinism.
func orderEvaluationSequence(bar Bar, candidates []*Order, positionSide PositionSide, policy PathPolicy) []*Order {
	out := make([]*Order, len(candidates))
	copy(out, candidates)

	switch policy {
	case WorstCase, BestCase:
		wantAdverseFirst := policy == WorstCase
		sort.SliceStable(out, func(i, j int) bool {
			ai, aj := isAdverse(out[i], positionSide), isAdverse(out[j], positionSide)
			if ai != aj {
				if wantAdverseFirst {
					return ai
				}
				return aj
			}
			return out[i].ID < out[j].ID
		})
	case Deterministic:
		path := intrabarPath(bar)
		pos := make(map[uint64]float64, len(out))
		for _, o := range out {
			pos[o.ID] = firstCrossPosition(path, orderTargetPrice(o))
		}
		sort.SliceStable(out, func(i, j int) bool {
			pi, pj := pos[out[i].ID], pos[out[j].ID]
			if pi != pj {
				return pi < pj
			}
			return out[i].ID < out[j].ID
		})
	}
	return out
}
