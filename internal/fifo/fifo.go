// Package fifo implements the FIFO realised profit-and-loss pairing used by
// the performance summary: a pure function over the filled-order history,
// separate from the weighted-average-cost accounting the Position Manager
// keeps live.
package fifo

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rxtech-lab/tradecore/internal/types"
)

// RealizedPair is one FIFO-matched open/close lot pair.
type RealizedPair struct {
	Symbol    string
	Direction types.Direction
	Quantity  float64
	OpenPrice float64
	ClosePrice float64
	OpenTime  time.Time
	CloseTime time.Time
	PnL       float64
}

// lot is one still-open (or partially-closed) slice of a FIFO queue.
type lot struct {
	qty   decimal.Decimal
	price decimal.Decimal
	time  time.Time
}

// PairTrades reconstructs every FIFO open/close pairing implied by fills, in
// the order they were filled. It does not require the matching engine to
// have recorded which portion of a fill covered an opposite position versus
// opened a new one: since the engine always covers the opposite side before
// opening, the same cover-then-open order can be replayed here from
// Side+Quantity+Price+Time alone, one FIFO queue per symbol per direction.
//
// fills need not be pre-sorted; PairTrades sorts a copy by Time.
func PairTrades(fills []types.Fill) []RealizedPair {
	sorted := append([]types.Fill(nil), fills...)
	sortFillsByTime(sorted)

	longQueues := make(map[string][]lot)
	shortQueues := make(map[string][]lot)

	var pairs []RealizedPair

	for _, f := range sorted {
		qty := decimal.NewFromInt(f.Quantity)
		price := decimal.NewFromFloat(f.Price)

		if f.Side == types.SideBuy {
			qty, pairs = cover(f.Symbol, types.DirectionShort, qty, price, f.Time, shortQueues, pairs)
			if qty.Sign() > 0 {
				longQueues[f.Symbol] = append(longQueues[f.Symbol], lot{qty: qty, price: price, time: f.Time})
			}
		} else {
			qty, pairs = cover(f.Symbol, types.DirectionLong, qty, price, f.Time, longQueues, pairs)
			if qty.Sign() > 0 {
				shortQueues[f.Symbol] = append(shortQueues[f.Symbol], lot{qty: qty, price: price, time: f.Time})
			}
		}
	}

	return pairs
}

// cover consumes FIFO lots from queues[symbol] (the opposite direction's
// open queue) against remaining quantity at closePrice, appending one
// RealizedPair per consumed lot (or partial lot). It returns whatever
// quantity of the fill was left over after the opposite queue ran dry.
func cover(
	symbol string,
	openDirection types.Direction,
	remaining decimal.Decimal,
	closePrice decimal.Decimal,
	closeTime time.Time,
	queues map[string][]lot,
	pairs []RealizedPair,
) (decimal.Decimal, []RealizedPair) {
	queue := queues[symbol]

	for remaining.Sign() > 0 && len(queue) > 0 {
		head := &queue[0]
		matched := decimal.Min(remaining, head.qty)

		var pnl decimal.Decimal
		if openDirection == types.DirectionShort {
			pnl = head.price.Sub(closePrice).Mul(matched)
		} else {
			pnl = closePrice.Sub(head.price).Mul(matched)
		}

		pairs = append(pairs, RealizedPair{
			Symbol:     symbol,
			Direction:  openDirection,
			Quantity:   matched.InexactFloat64(),
			OpenPrice:  head.price.InexactFloat64(),
			ClosePrice: closePrice.InexactFloat64(),
			OpenTime:   head.time,
			CloseTime:  closeTime,
			PnL:        pnl.InexactFloat64(),
		})

		remaining = remaining.Sub(matched)
		head.qty = head.qty.Sub(matched)

		if head.qty.Sign() == 0 {
			queue = queue[1:]
		}
	}

	queues[symbol] = queue

	return remaining, pairs
}

// sortFillsByTime sorts in place by Time ascending, stably so that
// same-instant fills keep their original relative order.
func sortFillsByTime(fills []types.Fill) {
	for i := 1; i < len(fills); i++ {
		for j := i; j > 0 && fills[j].Time.Before(fills[j-1].Time); j-- {
			fills[j], fills[j-1] = fills[j-1], fills[j]
		}
	}
}
