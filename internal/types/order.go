package types

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Order is the identity and lifecycle record of a single submission to the
// Order Manager. Terminal statuses (FILLED/REJECTED/CANCELLED/EXPIRED) never
// transition again; FILLED requires FillPrice and FillTime to be set.
type Order struct {
	ID       string    `yaml:"id" json:"id" validate:"required"`
	Symbol   string    `yaml:"symbol" json:"symbol" validate:"required"`
	Side     Side      `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Type     OrderType `yaml:"type" json:"type" validate:"required,oneof=MARKET LIMIT"`
	Quantity int64     `yaml:"quantity" json:"quantity" validate:"required,gt=0"`

	// LimitPrice is set only for LIMIT orders, and must be finite and positive.
	LimitPrice optional.Option[float64] `yaml:"limit_price" json:"limit_price"`

	// CreatedAt is wall-clock now() in SIMULATION mode, logical time in
	// BACKTEST mode; the matching engine prices immediate orders at
	// CreatedAt. CreatedBarTime is always the logical time that caused the
	// order, used to date the order when a state blob is forked.
	CreatedAt      time.Time `yaml:"created_at" json:"created_at" validate:"required"`
	CreatedBarTime time.Time `yaml:"created_bar_time" json:"created_bar_time" validate:"required"`

	FillPrice  optional.Option[float64]   `yaml:"fill_price" json:"fill_price"`
	FillTime   optional.Option[time.Time] `yaml:"fill_time" json:"fill_time"`
	Commission float64                    `yaml:"commission" json:"commission" validate:"gte=0"`

	Status OrderStatus `yaml:"status" json:"status" validate:"required"`

	// IsImmediate is true when the order has not yet failed a matching
	// attempt; it flips false the first time a tick fails to fill it, after
	// which it is only eligible for historical (re-queued) matching.
	IsImmediate bool `yaml:"is_immediate" json:"is_immediate"`

	// RejectReason carries a human-readable explanation once REJECTED.
	RejectReason string `yaml:"reject_reason" json:"reject_reason"`

	// Name is an optional caller-supplied tag (strategy intent label).
	Name string `yaml:"name" json:"name"`
}

// Validate checks the struct-level invariants that do not depend on
// mutable lifecycle state (those are enforced by the Order Manager and
// Matching Engine instead).
func (o *Order) Validate() error {
	v := validator.New()
	if err := v.Struct(o); err != nil {
		return terrors.Wrap(terrors.ErrCodeInvalidOrder, "invalid order", err)
	}

	if o.Type == OrderTypeLimit {
		price, err := o.LimitPrice.Take()
		if err != nil || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return terrors.New(terrors.ErrCodeInvalidPrice, "limit orders require a finite positive limit price")
		}
	}

	if o.Status == OrderStatusFilled {
		_, errPrice := o.FillPrice.Take()
		_, errTime := o.FillTime.Take()

		if errPrice != nil || errTime != nil {
			return terrors.New(terrors.ErrCodeInvalidOrder, "a FILLED order requires fill price and fill time")
		}
	}

	return nil
}

// Fill is an immutable record of an executed trade, used by the FIFO
// realised-P&L helper and by reporting. It is distinct from Order so that
// the filled-history list can be appended to without mutating prior
// records.
type Fill struct {
	OrderID      string    `yaml:"order_id" json:"order_id"`
	Symbol       string    `yaml:"symbol" json:"symbol"`
	Side         Side      `yaml:"side" json:"side"`
	PositionType Direction `yaml:"position_type" json:"position_type"`
	Quantity     int64     `yaml:"quantity" json:"quantity"`
	Price        float64   `yaml:"price" json:"price"`
	Commission   float64   `yaml:"commission" json:"commission"`
	Time         time.Time `yaml:"time" json:"time"`
	RealizedPnL  float64   `yaml:"realized_pnl" json:"realized_pnl"`
}
