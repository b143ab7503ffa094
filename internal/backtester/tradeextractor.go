package backtester

import (
	"math"
	"sort"
)

// TradeRecord is one round trip: a position opened and then reduced or
// closed (a partial reduction yields a record for the closed quantity),
// paired post-hoc from the fill log.
type TradeRecord struct {
	Symbol        string
	Side          PositionSide
	EntryBar      int
	EntryPrice    float64
	ExitBar       int
	ExitPrice     float64
	Quantity      float64
	GrossPnL      float64
	Commission    float64
	Slippage      float64
	NetPnL        float64
	BarsHeld      int
	MAE           float64
	MFE           float64
	SignalID      string
}

// openLot tracks an in-progress round trip while replaying fills.
type openLot struct {
	side       PositionSide
	quantity   float64
	avgEntry   float64
	entryBar   int
	commission float64
	slippage   float64
	signalID   string
}

// ExtractTrades replays a symbol's fills in bar order using the same
// averaging/covering semantics as Portfolio.ApplyFill, pairing each full
// or partial close into a TradeRecord and scanning the held bars for
// MAE/MFE. Symbols are processed in sorted order. Void bars are skipped
// during the MAE/MFE scan since they carry no range.
func ExtractTrades(fills []Fill, barsBySymbol map[string]BarSeries) []TradeRecord {
	bySymbol := make(map[string][]Fill)
	for _, f := range fills {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var trades []TradeRecord
	for _, symbol := range symbols {
		symbolFills := bySymbol[symbol]
		bars := barsBySymbol[symbol]
		var lot *openLot

		for _, f := range symbolFills {
			if lot == nil {
				lot = &openLot{
					side:       sideFromFill(f),
					quantity:   f.Quantity,
					avgEntry:   f.Price,
					entryBar:   f.Bar,
					commission: f.CommissionAmt,
					slippage:   f.SlippageAmt,
					signalID:   f.SignalID,
				}
				continue
			}

			sameDirection := (lot.side == Long && f.Side == Buy) || (lot.side == Short && f.Side == Sell)
			if sameDirection {
				total := lot.quantity + f.Quantity
				lot.avgEntry = (lot.avgEntry*lot.quantity + f.Price*f.Quantity) / total
				lot.quantity = total
				lot.commission += f.CommissionAmt
				lot.slippage += f.SlippageAmt
				continue
			}

			closing := math.Min(lot.quantity, f.Quantity)
			trades = append(trades, closeTrade(symbol, lot, f, closing, bars))

			lot.quantity -= closing
			lot.commission += f.CommissionAmt
			lot.slippage += f.SlippageAmt
			remaining := f.Quantity - closing
			if lot.quantity <= 1e-9 && remaining > 1e-9 {
				lot = &openLot{
					side:       sideFromFill(f),
					quantity:   remaining,
					avgEntry:   f.Price,
					entryBar:   f.Bar,
					commission: 0,
					slippage:   0,
					signalID:   f.SignalID,
				}
			} else if lot.quantity <= 1e-9 {
				lot = nil
			}
		}
	}
	return trades
}

func sideFromFill(f Fill) PositionSide {
	if f.Side == Buy {
		return Long
	}
	return Short
}

func closeTrade(symbol string, lot *openLot, exitFill Fill, quantity float64, bars BarSeries) TradeRecord {
	var grossPnL float64
	if lot.side == Long {
		grossPnL = (exitFill.Price - lot.avgEntry) * quantity
	} else {
		grossPnL = (lot.avgEntry - exitFill.Price) * quantity
	}

	mae, mfe := scanExcursion(lot.side, lot.avgEntry, lot.entryBar, exitFill.Bar, bars)

	return TradeRecord{
		Symbol:     symbol,
		Side:       lot.side,
		EntryBar:   lot.entryBar,
		EntryPrice: lot.avgEntry,
		ExitBar:    exitFill.Bar,
		ExitPrice:  exitFill.Price,
		Quantity:   quantity,
		GrossPnL:   grossPnL,
		Commission: lot.commission,
		Slippage:   lot.slippage,
		NetPnL:     grossPnL - lot.commission - lot.slippage,
		BarsHeld:   exitFill.Bar - lot.entryBar,
		MAE:        mae,
		MFE:        mfe,
		SignalID:   lot.signalID,
	}
}

// scanExcursion walks [entryBar, exitBar] computing the maximum adverse
// and favorable excursion relative to avgEntry - for a long, MAE tracks
// the lowest low seen and MFE the highest high; mirrored for a short.
// Void bars have no range and are skipped.
func scanExcursion(side PositionSide, avgEntry float64, entryBar, exitBar int, bars BarSeries) (mae, mfe float64) {
	for i := entryBar; i <= exitBar && i < len(bars); i++ {
		bar := bars[i]
		if bar.IsVoid() {
			continue
		}
		if side == Long {
			adverse := avgEntry - bar.Low
			favorable := bar.High - avgEntry
			if adverse > mae {
				mae = adverse
			}
			if favorable > mfe {
				mfe = favorable
			}
		} else {
			adverse := bar.High - avgEntry
			favorable := avgEntry - bar.Low
			if adverse > mae {
				mae = adverse
			}
			if favorable > mfe {
				mfe = favorable
			}
		}
	}
	return mae, mfe
}
