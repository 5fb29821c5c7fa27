// Package commission implements the matching engine's per-side cost model:
// a commission rate plus tax plus minimum floor, and a fixed-rate slippage
// model, built from the matching.commission and matching.slippage
// configuration blocks.
package commission

import (
	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/types"
)

// Calculator computes the commission owed for a fill, parameterised by
// side and the configured rate/tax/floor.
type Calculator interface {
	// Calculate returns the commission in cash terms for a fill of the
	// given side, price and quantity.
	Calculate(side types.Side, price float64, quantity int64) float64
}

// RateCalculator applies a per-side commission rate and tax rate to the
// gross notional, then floors the result at MinCommission.
type RateCalculator struct {
	cfg config.CommissionConfig
}

// NewRateCalculator builds a Calculator from the matching.commission
// configuration block.
func NewRateCalculator(cfg config.CommissionConfig) *RateCalculator {
	return &RateCalculator{cfg: cfg}
}

// Calculate returns gross*(rate+tax) floored at MinCommission, using the
// buy or sell rate/tax pair according to side.
func (c *RateCalculator) Calculate(side types.Side, price float64, quantity int64) float64 {
	gross := price * float64(quantity)

	var rate, tax float64
	if side == types.SideBuy {
		rate, tax = c.cfg.BuyCommission, c.cfg.BuyTax
	} else {
		rate, tax = c.cfg.SellCommission, c.cfg.SellTax
	}

	fee := gross*rate + gross*tax
	if fee < c.cfg.MinCommission {
		return c.cfg.MinCommission
	}

	return fee
}

// Slippage perturbs a formed price to model market impact.
type Slippage interface {
	// Apply returns price adjusted for slippage: higher for BUY, lower for
	// SELL.
	Apply(side types.Side, price float64) float64
}

// FixedSlippage multiplies price by a constant rate in the adverse
// direction for the given side.
type FixedSlippage struct {
	rate float64
}

// NewFixedSlippage builds a Slippage from the matching.slippage
// configuration block. Only type="fixed" is recognised; config.Validate
// rejects any other value before this is constructed.
func NewFixedSlippage(cfg config.SlippageConfig) *FixedSlippage {
	return &FixedSlippage{rate: cfg.Rate}
}

// Apply adds rate*price for BUY and subtracts it for SELL.
func (s *FixedSlippage) Apply(side types.Side, price float64) float64 {
	adj := price * s.rate
	if side == types.SideBuy {
		return price + adj
	}

	return price - adj
}
