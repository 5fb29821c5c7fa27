// Package benchmark tracks a comparison symbol's cumulative return and
// scaled value alongside the portfolio.
package benchmark

import "github.com/rxtech-lab/tradecore/internal/types"

// Tracker owns the benchmark symbol's initial price and append-only
// history.
type Tracker struct {
	symbol       string
	name         string
	initialCash  float64
	initialPrice float64
	hasInitial   bool

	history []types.BenchmarkRow
}

// NewTracker builds a Tracker for symbol/name; initialCash anchors the
// scaled-value formula (scaled_value = initial_cash * (1 + cumulative_return)).
func NewTracker(symbol, name string, initialCash float64) *Tracker {
	return &Tracker{symbol: symbol, name: name, initialCash: initialCash}
}

// Symbol returns the tracked benchmark symbol.
func (t *Tracker) Symbol() string { return t.symbol }

// Name returns the benchmark's display name.
func (t *Tracker) Name() string { return t.name }

// History returns every recorded row in insertion order.
func (t *Tracker) History() []types.BenchmarkRow {
	return append([]types.BenchmarkRow(nil), t.history...)
}

// InitialPrice returns the first close price ever recorded, the anchor
// Record computes cumulative_return against.
func (t *Tracker) InitialPrice() float64 {
	return t.initialPrice
}

// Record appends one day's close price, deriving cumulative return against
// the first price ever recorded and scaled value against initialCash.
//
// Cumulative return is always computed against the first ever recorded
// close, not the most recent re-anchor point. If a pause spans multiple
// days and Record is called again after resume with a stale gap, the ratio
// is still computed against that original base. Deliberate: resumed runs
// must reproduce the same value curve an uninterrupted run would have.
func (t *Tracker) Record(date string, closePrice float64) types.BenchmarkRow {
	if !t.hasInitial {
		t.initialPrice = closePrice
		t.hasInitial = true
	}

	cumulativeReturn := 0.0
	if t.initialPrice != 0 {
		cumulativeReturn = (closePrice - t.initialPrice) / t.initialPrice
	}

	row := types.BenchmarkRow{
		Date:             date,
		ClosePrice:       closePrice,
		CumulativeReturn: cumulativeReturn,
		ScaledValue:      t.initialCash * (1 + cumulativeReturn),
	}

	t.history = append(t.history, row)

	return row
}

// Restore replaces the tracked history and initial price wholesale, as
// used by the state serializer on restore.
func (t *Tracker) Restore(initialPrice float64, history []types.BenchmarkRow) {
	t.initialPrice = initialPrice
	t.hasInitial = initialPrice != 0 || len(history) > 0
	t.history = history
}

// TruncateBefore drops every history row whose date is not strictly before
// cutoffDate, for fork support. It does not reset the initial price:
// benchmark metadata survives a fork; only the history and positions are
// truncated or rebuilt.
func (t *Tracker) TruncateBefore(cutoffDate string) {
	kept := t.history[:0]
	for _, row := range t.history {
		if row.Date < cutoffDate {
			kept = append(kept, row)
		}
	}

	t.history = kept
}
