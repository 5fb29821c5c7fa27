// Package order implements the Order Manager: submission with lot-size
// normalisation, cancellation, the today/filled-history split, and the
// restore entry point for the state serializer.
package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"

	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Manager owns every Order submitted in the current session: the open
// table (today's orders, any status), the filled-history list (one Fill
// record per execution, carried forward across days for reporting).
type Manager struct {
	lotSize int64

	today  []*types.Order
	filled []types.Fill
}

// NewManager builds an empty Manager with the account's configured lot
// size.
func NewManager(lotSize int64) *Manager {
	if lotSize < 1 {
		lotSize = 1
	}

	return &Manager{lotSize: lotSize}
}

// Submit normalises signedQty to the configured lot size
// (|qty| // lot * lot, signed by its own sign), rejecting a normalised
// result of zero. createdAt is wall-clock now() in SIMULATION mode and
// logical time in BACKTEST mode; barTime is always the current logical
// time. The matching engine prices immediate orders at createdAt.
func (m *Manager) Submit(symbol string, signedQty int64, orderType types.OrderType, limitPrice optional.Option[float64], name string, createdAt, barTime time.Time) (*types.Order, error) {
	if signedQty == 0 {
		return nil, terrors.New(terrors.ErrCodeInvalidQuantity, "order quantity must not be zero")
	}

	side := types.SideBuy
	abs := signedQty
	if signedQty < 0 {
		side = types.SideSell
		abs = -signedQty
	}

	lots := abs / m.lotSize
	normalised := lots * m.lotSize
	if normalised == 0 {
		return nil, terrors.Newf(terrors.ErrCodeInvalidQuantity, "order quantity %d normalises to zero at lot size %d", signedQty, m.lotSize)
	}

	o := &types.Order{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Type:           orderType,
		Quantity:       normalised,
		LimitPrice:     limitPrice,
		CreatedAt:      createdAt,
		CreatedBarTime: barTime,
		Status:         types.OrderStatusOpen,
		IsImmediate:    true,
		Name:           name,
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}

	m.today = append(m.today, o)

	return o, nil
}

// Cancel transitions the order to CANCELLED iff it is currently OPEN.
func (m *Manager) Cancel(id string) error {
	for _, o := range m.today {
		if o.ID != id {
			continue
		}

		if o.Status != types.OrderStatusOpen {
			return terrors.New(terrors.ErrCodeOrderNotOpen, "order is not open")
		}

		o.Status = types.OrderStatusCancelled

		return nil
	}

	return terrors.New(terrors.ErrCodeOrderNotFound, "order not found")
}

// GetOpen returns every order in today's table still in OPEN status.
func (m *Manager) GetOpen() []*types.Order {
	var open []*types.Order
	for _, o := range m.today {
		if o.Status == types.OrderStatusOpen {
			open = append(open, o)
		}
	}

	return open
}

// GetToday returns every order submitted today, any status.
func (m *Manager) GetToday() []*types.Order {
	return m.today
}

// GetFilledHistory returns the immutable record of every fill made in the
// session.
func (m *Manager) GetFilledHistory() []types.Fill {
	return append([]types.Fill(nil), m.filled...)
}

// GetAll returns today's orders plus the filled history, for reporting.
func (m *Manager) GetAll() ([]*types.Order, []types.Fill) {
	return m.today, m.GetFilledHistory()
}

// RecordFill appends an immutable Fill record once the matching engine has
// stamped its order FILLED.
func (m *Manager) RecordFill(f types.Fill) {
	m.filled = append(m.filled, f)
}

// ClearToday expires every non-immediate OPEN order and empties today's
// table, as run by daily settlement. It returns the orders that were
// expired so callers can log/report them.
func (m *Manager) ClearToday() []*types.Order {
	var expired []*types.Order
	for _, o := range m.today {
		if o.Status == types.OrderStatusOpen && !o.IsImmediate {
			o.Status = types.OrderStatusExpired
			expired = append(expired, o)
		}
	}

	m.today = nil

	return expired
}

// Restore replaces today's order table and the filled-history list
// wholesale, as used by the state serializer.
func (m *Manager) Restore(today []*types.Order, filled []types.Fill) {
	m.today = today
	m.filled = filled
}

// ExpireAllOpenAndClear marks every still-OPEN order EXPIRED regardless of
// IsImmediate and empties today's table, as run by the simulation resync
// procedure rather than ordinary daily settlement, which only expires
// non-immediate orders.
func (m *Manager) ExpireAllOpenAndClear() []*types.Order {
	var expired []*types.Order
	for _, o := range m.today {
		if o.Status == types.OrderStatusOpen {
			o.Status = types.OrderStatusExpired
			expired = append(expired, o)
		}
	}

	m.today = nil

	return expired
}
