// Package portfolio aggregates cash, margin and position valuations into
// the daily-recomputed Portfolio totals.
package portfolio

import (
	"github.com/rxtech-lab/tradecore/internal/position"
	"github.com/rxtech-lab/tradecore/internal/types"
)

// Tracker owns the live Portfolio and recomputes it from a position.Manager
// on demand.
type Tracker struct {
	portfolio types.Portfolio
}

// NewTracker builds a Tracker seeded with the account's initial cash.
func NewTracker(initialCash float64) *Tracker {
	return &Tracker{
		portfolio: types.Portfolio{
			Cash:        initialCash,
			InitialCash: initialCash,
			NetWorth:    initialCash,
			TotalAssets: initialCash,
		},
	}
}

// Snapshot returns a copy of the current portfolio totals.
func (t *Tracker) Snapshot() types.Portfolio {
	return t.portfolio
}

// AdjustCash applies a signed cash delta, e.g. -(gross+commission) on BUY or
// +(gross-commission) on SELL.
func (t *Tracker) AdjustCash(delta float64) {
	t.portfolio.Cash += delta
}

// UpdateFinancials recomputes margin, long/short market value, net
// positions value, total assets and net worth from every position
// currently held by pm, in one pass.
func (t *Tracker) UpdateFinancials(pm *position.Manager) {
	var margin, longMV, shortLiability float64

	for _, p := range pm.All() {
		if p.Direction == types.DirectionShort {
			margin += p.Margin()
			shortLiability += -p.MarketValue() // MarketValue is already negative for SHORT
		} else {
			longMV += p.MarketValue()
		}
	}

	t.portfolio.Margin = margin
	t.portfolio.LongMarketValue = longMV
	t.portfolio.ShortLiability = shortLiability
	t.portfolio.NetPositionsValue = longMV - shortLiability
	t.portfolio.TotalAssets = t.portfolio.Cash + longMV
	t.portfolio.NetWorth = t.portfolio.Cash + t.portfolio.NetPositionsValue
}

// RecordHistory recomputes financials from pm, then appends one
// PortfolioSnapshot row for date.
func (t *Tracker) RecordHistory(date string, pm *position.Manager) {
	t.UpdateFinancials(pm)

	t.portfolio.History = append(t.portfolio.History, types.PortfolioSnapshot{
		Date:              date,
		Cash:              t.portfolio.Cash,
		Margin:            t.portfolio.Margin,
		LongMarketValue:   t.portfolio.LongMarketValue,
		ShortLiability:    t.portfolio.ShortLiability,
		NetPositionsValue: t.portfolio.NetPositionsValue,
		TotalAssets:       t.portfolio.TotalAssets,
		NetWorth:          t.portfolio.NetWorth,
		AvailableCash:     t.portfolio.AvailableCash(),
		Returns:           t.portfolio.Returns(),
	})
}

// Restore replaces the tracked portfolio wholesale, as used by the state
// serializer on restore/fork.
func (t *Tracker) Restore(p types.Portfolio) {
	t.portfolio = p
}

// TruncateHistoryBefore drops every history row for a fork whose date is not
// strictly before cutoffDate (YYYY-MM-DD string comparison, which sorts
// correctly for ISO dates).
func (t *Tracker) TruncateHistoryBefore(cutoffDate string) {
	kept := t.portfolio.History[:0]
	for _, row := range t.portfolio.History {
		if row.Date < cutoffDate {
			kept = append(kept, row)
		}
	}

	t.portfolio.History = kept
}
