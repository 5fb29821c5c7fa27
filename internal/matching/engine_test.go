package matching

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/tradecore/internal/commission"
	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/dataprovider"
	"github.com/rxtech-lab/tradecore/internal/order"
	"github.com/rxtech-lab/tradecore/internal/portfolio"
	"github.com/rxtech-lab/tradecore/internal/position"
	"github.com/rxtech-lab/tradecore/internal/types"
)

type EngineTestSuite struct {
	suite.Suite

	dp    *dataprovider.InMemoryDataProvider
	pm    *position.Manager
	om    *order.Manager
	pt    *portfolio.Tracker
	clock time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (suite *EngineTestSuite) SetupTest() {
	suite.dp = dataprovider.NewInMemoryDataProvider()
	suite.pm = position.NewManager(types.TradingRuleT0, 0.2)
	suite.om = order.NewManager(1)
	suite.pt = portfolio.NewTracker(100000)
	suite.clock = time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)
}

func (suite *EngineTestSuite) newEngine(mode types.TradingMode, rule types.TradingRule) *Engine {
	cfg := config.Default().Matching
	return New(
		suite.dp, suite.pm, suite.om, suite.pt,
		commission.NewRateCalculator(cfg.Commission),
		commission.NewFixedSlippage(cfg.Slippage),
		mode, rule, 0.2,
	)
}

func (suite *EngineTestSuite) TestMarketBuyFillsAndDebitsCash() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}})
	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, err := suite.om.Submit("AAPL", 100, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(err)

	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusFilled, o.Status)
	price, _ := o.FillPrice.Take()
	suite.InDelta(100.1, price, 1e-9) // slippage applied

	pos, ok := suite.pm.Get("AAPL", types.DirectionLong)
	suite.Require().True(ok)
	suite.Equal(100.0, pos.Quantity)

	snap := suite.pt.Snapshot()
	suite.Less(snap.Cash, 100000.0)
}

func (suite *EngineTestSuite) TestRejectsSuspendedSymbol() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}, Suspended: true})
	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", 100, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusRejected, o.Status)
	suite.Equal("symbol suspended", o.RejectReason)
}

func (suite *EngineTestSuite) TestRejectsPriceAtUpperLimitForBuy() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{
		CurrentPrice: 110,
		HighLimit:    optional.Some(110.0),
	}})
	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", 100, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusRejected, o.Status)
}

func (suite *EngineTestSuite) TestLimitBuyNoFillStaysOpenAndFlipsNonImmediate() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}})
	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", 100, types.OrderTypeLimit, optional.Some(90.0), "", suite.clock, suite.clock)
	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusOpen, o.Status)
	suite.False(o.IsImmediate)
}

func (suite *EngineTestSuite) TestHistoricalLimitBuyFillsAtLimitWhenCurrentBelow() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}})
	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", 100, types.OrderTypeLimit, optional.Some(90.0), "", suite.clock, suite.clock)
	o.IsImmediate = false

	later := suite.clock.Add(time.Minute)
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: later, Quote: types.MarketQuote{CurrentPrice: 85}})

	suite.Require().NoError(eng.Match(o, later))
	suite.Equal(types.OrderStatusFilled, o.Status)
	price, _ := o.FillPrice.Take()
	suite.InDelta(90.09, price, 1e-9) // matched at the limit, slippage on top
}

func (suite *EngineTestSuite) TestSellOpensShortWhenLongShortModePermits() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}})
	eng := suite.newEngine(types.TradingModeLongShort, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", -50, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusFilled, o.Status)
	pos, ok := suite.pm.Get("AAPL", types.DirectionShort)
	suite.Require().True(ok)
	suite.Equal(50.0, pos.Quantity)
}

func (suite *EngineTestSuite) TestSellRejectsNakedShortUnderLongOnly() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}})
	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", -50, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusRejected, o.Status)
}

func (suite *EngineTestSuite) TestBuyCoversExistingShortWithRealizedPnL() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 50}})
	suite.pm.Open("AAPL", types.DirectionShort, 100, 60, suite.clock)

	eng := suite.newEngine(types.TradingModeLongShort, types.TradingRuleT0)

	o, _ := suite.om.Submit("AAPL", 100, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(eng.Match(o, suite.clock))

	suite.Equal(types.OrderStatusFilled, o.Status)
	_, stillShort := suite.pm.Get("AAPL", types.DirectionShort)
	suite.False(stillShort)

	fills := suite.om.GetFilledHistory()
	suite.Require().Len(fills, 1)
	suite.Greater(fills[0].RealizedPnL, 0.0) // covered a short at a lower price than avg cost
}

func (suite *EngineTestSuite) TestSettleExpiresAndRecordsHistory() {
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 100}})
	suite.pm = position.NewManager(types.TradingRuleT1, 0.2)
	suite.pm.Open("AAPL", types.DirectionLong, 100, 100, suite.clock)

	eng := suite.newEngine(types.TradingModeLongOnly, types.TradingRuleT1)

	o, _ := suite.om.Submit("AAPL", 10, types.OrderTypeLimit, optional.Some(50.0), "", suite.clock, suite.clock)
	o.IsImmediate = false

	expired, snapshots := eng.Settle("2023-01-02", map[string]float64{"AAPL": 105})

	suite.Require().Len(expired, 1)
	suite.Equal(types.OrderStatusExpired, expired[0].Status)
	suite.Require().Len(snapshots, 1)
	suite.Equal(500.0, snapshots[0].DailyPnL) // (105-100)*100

	pos, _ := suite.pm.Get("AAPL", types.DirectionLong)
	suite.Equal(100.0, pos.AvailableQuantity) // rolled under T+1
}

// newZeroCostEngine rebuilds the suite's managers with zero commission and
// slippage, a 0.5 short margin rate and one million of starting cash, the
// setup the short-selling accounting scenarios below all share.
func (suite *EngineTestSuite) newZeroCostEngine(mode types.TradingMode, rule types.TradingRule) *Engine {
	suite.pm = position.NewManager(rule, 0.5)
	suite.pt = portfolio.NewTracker(1_000_000)

	return New(
		suite.dp, suite.pm, suite.om, suite.pt,
		commission.NewRateCalculator(config.CommissionConfig{}),
		commission.NewFixedSlippage(config.SlippageConfig{Type: "fixed", Rate: 0}),
		mode, rule, 0.5,
	)
}

func (suite *EngineTestSuite) TestShortThenCoverProfit() {
	eng := suite.newZeroCostEngine(types.TradingModeLongShort, types.TradingRuleT0)

	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 150}})

	sell, err := suite.om.Submit("AAPL", -100, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(err)
	suite.Require().NoError(eng.Match(sell, suite.clock))
	suite.Require().Equal(types.OrderStatusFilled, sell.Status)

	snap := suite.pt.Snapshot()
	suite.InDelta(1_015_000.0, snap.Cash, 1e-9)
	suite.InDelta(7_500.0, snap.Margin, 1e-9)
	suite.InDelta(1_000_000.0, snap.NetWorth, 1e-9)
	suite.InDelta(15_000.0, snap.ShortLiability, 1e-9)

	later := suite.clock.Add(time.Hour)
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: later, Quote: types.MarketQuote{CurrentPrice: 140}})

	buy, err := suite.om.Submit("AAPL", 100, types.OrderTypeMarket, optional.None[float64](), "", later, later)
	suite.Require().NoError(err)
	suite.Require().NoError(eng.Match(buy, later))
	suite.Require().Equal(types.OrderStatusFilled, buy.Status)

	snap = suite.pt.Snapshot()
	suite.InDelta(1_001_000.0, snap.Cash, 1e-9)
	suite.InDelta(0.0, snap.Margin, 1e-9)
	suite.InDelta(1_001_000.0, snap.NetWorth, 1e-9)
	suite.Empty(suite.pm.All())
}

func (suite *EngineTestSuite) TestFlipLongToShortOpensResidualWithMargin() {
	eng := suite.newZeroCostEngine(types.TradingModeLongShort, types.TradingRuleT0)

	suite.pm.Open("AAPL", types.DirectionLong, 1000, 10, suite.clock)
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 12}})

	sell, err := suite.om.Submit("AAPL", -3000, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(err)
	suite.Require().NoError(eng.Match(sell, suite.clock))
	suite.Require().Equal(types.OrderStatusFilled, sell.Status)

	_, stillLong := suite.pm.Get("AAPL", types.DirectionLong)
	suite.False(stillLong)

	short, ok := suite.pm.Get("AAPL", types.DirectionShort)
	suite.Require().True(ok)
	suite.InDelta(2000.0, short.Quantity, 1e-9)
	suite.InDelta(12.0, short.AvgCost, 1e-9)

	snap := suite.pt.Snapshot()
	suite.InDelta(12_000.0, snap.Margin, 1e-9) // 2000 * 12 * 0.5

	fills := suite.om.GetFilledHistory()
	suite.Require().Len(fills, 1)
	suite.InDelta(2_000.0, fills[0].RealizedPnL, 1e-9) // (12-10)*1000
}

func (suite *EngineTestSuite) TestT1BlocksSameDaySellUntilSettlement() {
	eng := suite.newZeroCostEngine(types.TradingModeLongOnly, types.TradingRuleT1)

	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: suite.clock, Quote: types.MarketQuote{CurrentPrice: 10}})

	buy, err := suite.om.Submit("AAPL", 1000, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(err)
	suite.Require().NoError(eng.Match(buy, suite.clock))
	suite.Require().Equal(types.OrderStatusFilled, buy.Status)

	sell, err := suite.om.Submit("AAPL", -500, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(err)
	suite.Require().NoError(eng.Match(sell, suite.clock))
	suite.Equal(types.OrderStatusRejected, sell.Status) // today's opens are not sellable under T+1

	eng.Settle("2023-01-02", map[string]float64{"AAPL": 10})

	nextDay := suite.clock.AddDate(0, 0, 1)
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: nextDay, Quote: types.MarketQuote{CurrentPrice: 11}})

	sell2, err := suite.om.Submit("AAPL", -500, types.OrderTypeMarket, optional.None[float64](), "", nextDay, nextDay)
	suite.Require().NoError(err)
	suite.Require().NoError(eng.Match(sell2, nextDay))
	suite.Equal(types.OrderStatusFilled, sell2.Status)
}

func (suite *EngineTestSuite) TestImmediateOrderPricesAtCreationTime() {
	eng := suite.newZeroCostEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	createdAt := suite.clock
	tick := suite.clock.Add(5 * time.Second)

	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: createdAt, Quote: types.MarketQuote{CurrentPrice: 100}})
	suite.dp.AddBar(dataprovider.Bar{Symbol: "AAPL", Time: tick, Quote: types.MarketQuote{CurrentPrice: 200}})

	o, err := suite.om.Submit("AAPL", 10, types.OrderTypeMarket, optional.None[float64](), "", createdAt, createdAt)
	suite.Require().NoError(err)

	suite.Require().NoError(eng.Match(o, tick))
	suite.Require().Equal(types.OrderStatusFilled, o.Status)

	price, _ := o.FillPrice.Take()
	suite.InDelta(100.0, price, 1e-9) // priced at creation, not at the tick
}

func (suite *EngineTestSuite) TestDataGapParksImmediateOrderForRetry() {
	eng := suite.newZeroCostEngine(types.TradingModeLongOnly, types.TradingRuleT0)

	o, err := suite.om.Submit("AAPL", 10, types.OrderTypeMarket, optional.None[float64](), "", suite.clock, suite.clock)
	suite.Require().NoError(err)

	suite.Require().NoError(eng.Match(o, suite.clock))
	suite.Equal(types.OrderStatusOpen, o.Status)
	suite.False(o.IsImmediate)
}
