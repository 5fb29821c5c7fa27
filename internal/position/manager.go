// Package position maintains the keyed (symbol, direction) position map: the
// weighted-average-cost accounting, T+0/T+1 availability bookkeeping, margin
// on short positions, and the manual-override and restore entry points the
// session context exposes to strategies and the state serializer.
package position

import (
	"sort"
	"time"

	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Manager is the keyed (symbol, direction) -> Position map. A position with
// zero quantity is always removed rather than kept at zero.
type Manager struct {
	tradingRule     types.TradingRule
	shortMarginRate float64

	positions map[types.PositionKey]*types.Position

	// dailySnapshots[symbol] is the append-only settlement history for
	// that symbol, in the order the rows were recorded.
	dailySnapshots map[string][]types.DailySnapshot
}

// NewManager builds an empty Manager for the given account-level trading
// rule and short margin rate.
func NewManager(tradingRule types.TradingRule, shortMarginRate float64) *Manager {
	return &Manager{
		tradingRule:     tradingRule,
		shortMarginRate: shortMarginRate,
		positions:       make(map[types.PositionKey]*types.Position),
		dailySnapshots:  make(map[string][]types.DailySnapshot),
	}
}

// Get returns the position for (symbol, direction), or false if none is held.
func (m *Manager) Get(symbol string, direction types.Direction) (types.Position, bool) {
	p, ok := m.positions[types.PositionKey{Symbol: symbol, Direction: direction}]
	if !ok {
		return types.Position{}, false
	}

	return *p, true
}

// All returns every currently held position, in no particular order.
func (m *Manager) All() []types.Position {
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}

	return out
}

// AvailableLong returns the available-to-close quantity of the LONG position
// in symbol, or zero if none is held.
func (m *Manager) AvailableLong(symbol string) float64 {
	p, ok := m.Get(symbol, types.DirectionLong)
	if !ok {
		return 0
	}

	return p.AvailableQuantity
}

// ShortPosition returns the SHORT position in symbol if one exists.
func (m *Manager) ShortPosition(symbol string) (types.Position, bool) {
	return m.Get(symbol, types.DirectionShort)
}

// Open increases (or creates) a position, folding the new quantity into the
// weighted-average cost. barTime is the logical time of the fill.
func (m *Manager) Open(symbol string, direction types.Direction, qty float64, price float64, barTime time.Time) {
	key := types.PositionKey{Symbol: symbol, Direction: direction}

	p, ok := m.positions[key]
	if !ok {
		marginRate := 0.0
		if direction == types.DirectionShort {
			marginRate = m.shortMarginRate
		}

		p = &types.Position{
			Symbol:          symbol,
			Direction:       direction,
			InitialTime:     barTime,
			LastSettlePrice: price,
			MarginRate:      marginRate,
			TradingRule:     m.tradingRule,
		}
		m.positions[key] = p
	}

	totalCost := p.AvgCost*p.Quantity + price*qty
	p.Quantity += qty
	if p.Quantity > 0 {
		p.AvgCost = totalCost / p.Quantity
	}

	p.CurrentPrice = price
	p.LastUpdateTime = barTime
	p.TodayOpenQuantity += qty

	if m.tradingRule == types.TradingRuleT0 {
		p.AvailableQuantity += qty
	}

	m.prune(key)
}

// Close reduces a position by qty (which must not exceed its current
// quantity) and returns the realised P&L for the closed units. The position
// is removed once its quantity reaches zero.
func (m *Manager) Close(symbol string, direction types.Direction, qty float64, price float64, barTime time.Time) (realizedPnL float64) {
	key := types.PositionKey{Symbol: symbol, Direction: direction}

	p, ok := m.positions[key]
	if !ok || qty <= 0 {
		return 0
	}

	if direction == types.DirectionShort {
		realizedPnL = (p.AvgCost - price) * qty
	} else {
		realizedPnL = (price - p.AvgCost) * qty
	}

	p.Quantity -= qty
	p.AvailableQuantity -= qty
	if p.AvailableQuantity < 0 {
		p.AvailableQuantity = 0
	}

	p.CurrentPrice = price
	p.LastUpdateTime = barTime

	m.prune(key)

	return realizedPnL
}

// prune deletes the position at key if its quantity has reached zero.
func (m *Manager) prune(key types.PositionKey) {
	p, ok := m.positions[key]
	if !ok {
		return
	}

	if p.Quantity <= 1e-9 {
		delete(m.positions, key)
	}
}

// AdjustPosition is the manual-override entry point used by the session
// context's set_initial_state (initialize only) and align_account_state
// (non-TRADING phase only). It replaces the position at (symbol, direction)
// wholesale, or removes it when qty is zero.
func (m *Manager) AdjustPosition(symbol string, direction types.Direction, qty float64, avgCost float64, asOf time.Time) {
	key := types.PositionKey{Symbol: symbol, Direction: direction}

	if qty <= 0 {
		delete(m.positions, key)

		return
	}

	marginRate := 0.0
	if direction == types.DirectionShort {
		marginRate = m.shortMarginRate
	}

	m.positions[key] = &types.Position{
		Symbol:            symbol,
		Direction:         direction,
		Quantity:          qty,
		AvgCost:           avgCost,
		CurrentPrice:      avgCost,
		InitialTime:       asOf,
		LastUpdateTime:    asOf,
		LastSettlePrice:   avgCost,
		MarginRate:        marginRate,
		TradingRule:       m.tradingRule,
		TodayOpenQuantity: 0,
		AvailableQuantity: qty,
	}
}

// Settle runs daily settlement across every held position: marks each
// position's daily P&L against its close price, rolls today's opens into
// available quantity under T+1, and records one DailySnapshot per position
// (replacing any pre-existing snapshot for the same date, for idempotence).
//
// A position whose symbol has no entry in closePrices is a data gap: its
// daily snapshot is skipped entirely and its settle/current price are left
// untouched, but the T+1 availability roll still runs, since that roll is
// unconditional on the calendar day, not on price availability.
func (m *Manager) Settle(date string, closePrices map[string]float64) []types.DailySnapshot {
	snapshots := make([]types.DailySnapshot, 0, len(m.positions))

	for key, p := range m.positions {
		close, ok := closePrices[p.Symbol]
		if !ok {
			if m.tradingRule == types.TradingRuleT1 {
				p.AvailableQuantity += p.TodayOpenQuantity
				p.TodayOpenQuantity = 0
			}

			continue
		}

		sign := 1.0
		if p.Direction == types.DirectionShort {
			sign = -1.0
		}

		dailyPnL := (close - p.LastSettlePrice) * p.Quantity * sign

		p.LastSettlePrice = close
		p.CurrentPrice = close

		if m.tradingRule == types.TradingRuleT1 {
			p.AvailableQuantity += p.TodayOpenQuantity
			p.TodayOpenQuantity = 0
		}

		snapshot := types.DailySnapshot{
			Date:            date,
			Symbol:          p.Symbol,
			Direction:       p.Direction,
			Quantity:        p.Quantity,
			ClosePrice:      close,
			MarketValue:     p.MarketValue(),
			DailyPnL:        dailyPnL,
			LastSettlePrice: close,
		}
		snapshots = append(snapshots, snapshot)

		m.replaceSnapshot(p.Symbol, date, snapshot)
		m.prune(key)
	}

	return snapshots
}

// replaceSnapshot appends snapshot for symbol, first removing any existing
// snapshot for the same date (settlement idempotence).
func (m *Manager) replaceSnapshot(symbol, date string, snapshot types.DailySnapshot) {
	existing := m.dailySnapshots[symbol]

	filtered := existing[:0]
	for _, s := range existing {
		if s.Date != date {
			filtered = append(filtered, s)
		}
	}

	m.dailySnapshots[symbol] = append(filtered, snapshot)
}

// DailySnapshots returns every recorded snapshot for symbol, in insertion
// order.
func (m *Manager) DailySnapshots(symbol string) []types.DailySnapshot {
	return append([]types.DailySnapshot(nil), m.dailySnapshots[symbol]...)
}

// AllDailySnapshots returns every recorded snapshot across all symbols,
// including symbols whose live position has since closed to zero, sorted
// by date then symbol so the output is deterministic.
func (m *Manager) AllDailySnapshots() []types.DailySnapshot {
	symbols := make([]string, 0, len(m.dailySnapshots))
	for symbol := range m.dailySnapshots {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var out []types.DailySnapshot
	for _, symbol := range symbols {
		out = append(out, m.dailySnapshots[symbol]...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })

	return out
}

// RestorePositions replaces the live position set wholesale, as used by the
// state serializer on restore/fork.
func (m *Manager) RestorePositions(positions []types.Position) {
	m.positions = make(map[types.PositionKey]*types.Position, len(positions))

	for i := range positions {
		p := positions[i]
		if p.Quantity <= 0 {
			continue
		}

		key := types.PositionKey{Symbol: p.Symbol, Direction: p.Direction}
		stored := p
		m.positions[key] = &stored
	}
}

// RestoreDailySnapshots replaces the recorded daily-snapshot history
// wholesale, as used by the state serializer on restore/fork.
func (m *Manager) RestoreDailySnapshots(snapshots []types.DailySnapshot) {
	m.dailySnapshots = make(map[string][]types.DailySnapshot)

	for _, s := range snapshots {
		m.dailySnapshots[s.Symbol] = append(m.dailySnapshots[s.Symbol], s)
	}
}

// ParseDirectionOrError is a thin convenience wrapper used by the session
// context when a caller passes a direction as free text.
func ParseDirectionOrError(s string) (types.Direction, error) {
	d, err := types.ParseDirection(s)
	if err != nil {
		return "", terrors.Wrap(terrors.ErrCodeInvalidDirection, "invalid direction", err)
	}

	return d, nil
}
