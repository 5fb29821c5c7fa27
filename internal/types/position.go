package types

import "time"

// PositionKey identifies a Position within the Position Manager.
type PositionKey struct {
	Symbol    string
	Direction Direction
}

// Position is a per-(symbol, direction) holding. Under T+1, Available never
// includes same-day opens until settlement runs; under T+0, Available
// tracks Quantity directly. A Position with Quantity == 0 is removed from
// the manager rather than kept around at zero.
type Position struct {
	Symbol    string    `yaml:"symbol" json:"symbol"`
	Direction Direction `yaml:"direction" json:"direction"`

	Quantity     float64 `yaml:"quantity" json:"quantity"`
	AvgCost      float64 `yaml:"avg_cost" json:"avg_cost"`
	CurrentPrice float64 `yaml:"current_price" json:"current_price"`

	InitialTime    time.Time `yaml:"initial_time" json:"initial_time"`
	LastUpdateTime time.Time `yaml:"last_update_time" json:"last_update_time"`

	LastSettlePrice float64 `yaml:"last_settle_price" json:"last_settle_price"`

	// MarginRate is constant for SHORT positions; zero for LONG.
	MarginRate float64 `yaml:"margin_rate" json:"margin_rate"`

	TradingRule TradingRule `yaml:"trading_rule" json:"trading_rule"`

	// TodayOpenQuantity is added when a fill opens/increases the position
	// intraday; it is folded into Available at settlement under T+1.
	TodayOpenQuantity float64 `yaml:"today_open_quantity" json:"today_open_quantity"`

	// AvailableQuantity is eligible to close today.
	AvailableQuantity float64 `yaml:"available_quantity" json:"available_quantity"`
}

// MarketValue returns qty*price, signed so that SHORT contributes a
// liability (negative) and LONG contributes an asset (positive).
func (p *Position) MarketValue() float64 {
	if p.Direction == DirectionShort {
		return -p.Quantity * p.CurrentPrice
	}

	return p.Quantity * p.CurrentPrice
}

// Margin returns the margin currently held against this position (zero for
// LONG).
func (p *Position) Margin() float64 {
	if p.Direction != DirectionShort {
		return 0
	}

	return p.Quantity * p.CurrentPrice * p.MarginRate
}

// DailySnapshot is one day's recorded state for a single position, produced
// by settlement.
type DailySnapshot struct {
	Date            string    `yaml:"date" json:"date"`
	Symbol          string    `yaml:"symbol" json:"symbol"`
	Direction       Direction `yaml:"direction" json:"direction"`
	Quantity        float64   `yaml:"quantity" json:"quantity"`
	ClosePrice      float64   `yaml:"close_price" json:"close_price"`
	MarketValue     float64   `yaml:"market_value" json:"market_value"`
	DailyPnL        float64   `yaml:"daily_pnl" json:"daily_pnl"`
	LastSettlePrice float64   `yaml:"last_settle_price" json:"last_settle_price"`
}
