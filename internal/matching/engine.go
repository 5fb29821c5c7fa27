// Package matching implements the core order-matching and settlement
// engine: pre-trade checks, price formation under the immediate-vs-historical
// pricing rule, slippage/commission/sufficiency checks, fill application
// against the position manager, and daily settlement.
package matching

import (
	"math"
	"time"

	"github.com/moznion/go-optional"

	"github.com/rxtech-lab/tradecore/internal/commission"
	"github.com/rxtech-lab/tradecore/internal/dataprovider"
	"github.com/rxtech-lab/tradecore/internal/order"
	"github.com/rxtech-lab/tradecore/internal/portfolio"
	"github.com/rxtech-lab/tradecore/internal/position"
	"github.com/rxtech-lab/tradecore/internal/types"
)

// priceEpsilon is the tolerance used for all limit-price-equality
// comparisons in the pre/post-trade checks.
const priceEpsilon = 1e-6

// Engine is the matching engine for a single session: it owns no state of
// its own beyond its configured cost model, instead mutating the session's
// order/position/portfolio managers it is constructed with references to.
type Engine struct {
	dataProvider dataprovider.DataProvider
	positions    *position.Manager
	orders       *order.Manager
	portfolioTr  *portfolio.Tracker

	commission commission.Calculator
	slippage   commission.Slippage

	tradingMode     types.TradingMode
	tradingRule     types.TradingRule
	shortMarginRate float64
}

// New builds a matching Engine wired to the given session components and
// cost/regime configuration.
func New(
	dataProvider dataprovider.DataProvider,
	positions *position.Manager,
	orders *order.Manager,
	portfolioTr *portfolio.Tracker,
	commissionCalc commission.Calculator,
	slippage commission.Slippage,
	tradingMode types.TradingMode,
	tradingRule types.TradingRule,
	shortMarginRate float64,
) *Engine {
	return &Engine{
		dataProvider:    dataProvider,
		positions:       positions,
		orders:          orders,
		portfolioTr:     portfolioTr,
		commission:      commissionCalc,
		slippage:        slippage,
		tradingMode:     tradingMode,
		tradingRule:     tradingRule,
		shortMarginRate: shortMarginRate,
	}
}

// Match attempts to fill o against current market data. now is the
// scheduler's current logical tick time, used to price historical
// (re-queued, is_immediate=false) orders; a freshly submitted
// (is_immediate=true) order is instead priced at its own CreatedAt, the
// instant the strategy actually placed it. A slow handle_bar in simulation
// mode submits orders whose CreatedAt trails the scheduler's tick; those
// must still see prices as of the moment the strategy thought it was
// acting.
//
// o is mutated in place: to FILLED/REJECTED on a terminal outcome, or left
// OPEN with IsImmediate flipped false if no fill was possible this tick.
func (e *Engine) Match(o *types.Order, now time.Time) error {
	if o.Status != types.OrderStatusOpen {
		return nil
	}

	priceTime := now
	if o.IsImmediate {
		priceTime = o.CreatedAt
	}

	symbolDate := priceTime.Format("2006-01-02")

	info, err := e.dataProvider.GetSymbolInfo(o.Symbol, symbolDate)
	if err != nil {
		return err
	}

	quoteOpt, err := e.dataProvider.GetCurrentPrice(o.Symbol, priceTime)
	if err != nil {
		return err
	}

	quote, quoteErr := quoteOpt.Take()
	if quoteErr != nil {
		// Data gap: no quote at this instant. Park the order on the
		// historical path and let the next tick retry it.
		o.IsImmediate = false

		return nil
	}

	if suspended, infoErr := info.Take(); infoErr == nil && suspended.IsSuspended {
		e.reject(o, "symbol suspended")

		return nil
	}

	current := quote.CurrentPrice
	highLimit, highErr := quote.HighLimit.Take()
	lowLimit, lowErr := quote.LowLimit.Take()
	hasHigh := highErr == nil
	hasLow := lowErr == nil

	if o.Side == types.SideBuy && hasHigh && math.Abs(current-highLimit) <= priceEpsilon {
		e.reject(o, "price at upper limit")

		return nil
	}

	if o.Side == types.SideSell && hasLow && math.Abs(current-lowLimit) <= priceEpsilon {
		e.reject(o, "price at lower limit")

		return nil
	}

	fillPrice, filled := e.formPrice(o, quote)
	if !filled {
		o.IsImmediate = false

		return nil
	}

	slipped := e.slippage.Apply(o.Side, fillPrice)
	if (hasHigh && slipped > highLimit+priceEpsilon) || (hasLow && slipped < lowLimit-priceEpsilon) {
		e.reject(o, "slipped price outside daily limit")

		return nil
	}

	fee := e.commission.Calculate(o.Side, slipped, o.Quantity)

	coveredQty, rejectReason := e.checkSufficiency(o, slipped, fee)
	if rejectReason != "" {
		e.reject(o, rejectReason)

		return nil
	}

	e.fill(o, now, slipped, fee, coveredQty)

	return nil
}

// formPrice implements the price-formation rules for both immediate and
// historical order processing. A re-queued MARKET order (one parked by a
// data gap) is priced like an immediate one.
func (e *Engine) formPrice(o *types.Order, quote types.MarketQuote) (price float64, filled bool) {
	current := quote.CurrentPrice

	if !o.IsImmediate && o.Type == types.OrderTypeLimit {
		limit, _ := o.LimitPrice.Take()

		if o.Side == types.SideBuy && current <= limit {
			return limit, true
		}

		if o.Side == types.SideSell && current >= limit {
			return limit, true
		}

		return 0, false
	}

	ask1, ask1Err := quote.Ask1.Take()
	bid1, bid1Err := quote.Bid1.Take()
	hasAsk := ask1Err == nil
	hasBid := bid1Err == nil

	marketBuyPrice := current
	if hasAsk {
		marketBuyPrice = ask1
	}

	marketSellPrice := current
	if hasBid {
		marketSellPrice = bid1
	}

	switch o.Type {
	case types.OrderTypeMarket:
		if o.Side == types.SideBuy {
			return marketBuyPrice, true
		}

		return marketSellPrice, true

	case types.OrderTypeLimit:
		limit, _ := o.LimitPrice.Take()

		if o.Side == types.SideBuy {
			if limit >= marketBuyPrice {
				return math.Min(limit, marketBuyPrice), true
			}

			return 0, false
		}

		if limit <= marketSellPrice {
			return math.Max(limit, marketSellPrice), true
		}

		return 0, false
	}

	return 0, false
}

// checkSufficiency runs the BUY/SELL buying-power and holding checks. It
// returns the quantity of an existing opposite position that would be
// covered by a BUY (zero for SELL, where residual-short opening is instead
// handled entirely inside fill), and a non-empty rejectReason on failure.
func (e *Engine) checkSufficiency(o *types.Order, price, fee float64) (coveredQty float64, rejectReason string) {
	qty := float64(o.Quantity)

	if o.Side == types.SideBuy {
		cashNeeded := price*qty + fee

		marginReleased := 0.0

		if shortPos, ok := e.positions.ShortPosition(o.Symbol); ok && shortPos.Quantity > 0 {
			availableShort := shortPos.Quantity
			if e.tradingRule == types.TradingRuleT1 {
				availableShort = shortPos.AvailableQuantity
			}

			coveredQty = math.Min(qty, availableShort)

			if e.tradingRule == types.TradingRuleT1 && coveredQty < qty {
				return 0, "T+1 limit, insufficient short available"
			}

			marginReleased = shortPos.Margin() * coveredQty / shortPos.Quantity
		}

		snapshot := e.portfolioTr.Snapshot()
		availableCash := snapshot.AvailableCash()
		if availableCash+marginReleased < cashNeeded {
			return 0, "insufficient cash"
		}

		return coveredQty, ""
	}

	availableLong := e.positions.AvailableLong(o.Symbol)
	if qty <= availableLong {
		return 0, ""
	}

	residual := qty - availableLong
	if e.tradingMode != types.TradingModeLongShort {
		return 0, "insufficient holding, short not permitted"
	}

	snapshot := e.portfolioTr.Snapshot()
	availableCash := snapshot.AvailableCash()
	if availableCash < e.shortMarginRate*price*residual {
		return 0, "insufficient cash to margin residual short"
	}

	return 0, ""
}

// fill stamps o FILLED, records the Fill, applies process_trade against the
// position manager, and recomputes portfolio financials.
func (e *Engine) fill(o *types.Order, now time.Time, price, fee float64, coveredShortQty float64) {
	qty := float64(o.Quantity)

	o.Status = types.OrderStatusFilled
	o.FillPrice = optional.Some(price)
	o.FillTime = optional.Some(now)
	o.Commission = fee

	var realizedPnL float64
	var positionType types.Direction

	if o.Side == types.SideBuy {
		positionType = types.DirectionLong

		if coveredShortQty > 0 {
			realizedPnL += e.positions.Close(o.Symbol, types.DirectionShort, coveredShortQty, price, now)
		}

		remaining := qty - coveredShortQty
		if remaining > 0 {
			e.positions.Open(o.Symbol, types.DirectionLong, remaining, price, now)
		}

		e.portfolioTr.AdjustCash(-(price*qty + fee))
	} else {
		positionType = types.DirectionShort

		availableLong := e.positions.AvailableLong(o.Symbol)
		closeQty := math.Min(qty, availableLong)

		if closeQty > 0 {
			realizedPnL += e.positions.Close(o.Symbol, types.DirectionLong, closeQty, price, now)
		}

		residual := qty - closeQty
		if residual > 0 {
			e.positions.Open(o.Symbol, types.DirectionShort, residual, price, now)
		}

		e.portfolioTr.AdjustCash(price*qty - fee)
	}

	e.orders.RecordFill(types.Fill{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		PositionType: positionType,
		Quantity:     o.Quantity,
		Price:        price,
		Commission:   fee,
		Time:         now,
		RealizedPnL:  realizedPnL,
	})

	e.portfolioTr.UpdateFinancials(e.positions)
}

// reject marks o terminal REJECTED and flips it non-immediate, preventing
// re-entry via the historical path within the same tick.
func (e *Engine) reject(o *types.Order, reason string) {
	o.Status = types.OrderStatusRejected
	o.RejectReason = reason
	o.IsImmediate = false
}

// Settle runs the daily settlement sequence: expire stale non-immediate
// open orders and clear today's order table, settle every position against
// today's close prices, then record a portfolio history row.
func (e *Engine) Settle(date string, closePrices map[string]float64) ([]*types.Order, []types.DailySnapshot) {
	expired := e.orders.ClearToday()
	snapshots := e.positions.Settle(date, closePrices)
	e.portfolioTr.RecordHistory(date, e.positions)

	return expired, snapshots
}
