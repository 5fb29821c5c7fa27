package dataprovider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/tradecore/internal/types"
)

type DataProviderTestSuite struct {
	suite.Suite
}

func TestDataProviderSuite(t *testing.T) {
	suite.Run(t, new(DataProviderTestSuite))
}

func (suite *DataProviderTestSuite) TestGetTradingCalendarFiltersRange() {
	p := NewInMemoryDataProvider()
	p.LoadCalendar([]string{"2023-01-03", "2023-01-01", "2023-01-05", "2023-01-02"})

	dates, err := p.GetTradingCalendar("2023-01-02", "2023-01-04")
	suite.Require().NoError(err)
	suite.Equal([]string{"2023-01-02", "2023-01-03"}, dates)
}

func (suite *DataProviderTestSuite) TestGetCurrentPriceExactMatch() {
	p := NewInMemoryDataProvider()
	t1 := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)
	p.AddBar(Bar{Symbol: "AAPL", Time: t1, Quote: types.MarketQuote{CurrentPrice: 100}})

	quote, err := p.GetCurrentPrice("AAPL", t1)
	suite.Require().NoError(err)
	suite.True(quote.IsSome())
	suite.Equal(100.0, quote.Unwrap().CurrentPrice)
}

func (suite *DataProviderTestSuite) TestGetCurrentPriceMissingIsNone() {
	p := NewInMemoryDataProvider()

	quote, err := p.GetCurrentPrice("AAPL", time.Now())
	suite.Require().NoError(err)
	suite.True(quote.IsNone())
}

func (suite *DataProviderTestSuite) TestGetSymbolInfoUsesLastBarOnOrBeforeDate() {
	p := NewInMemoryDataProvider()
	p.AddBar(Bar{Symbol: "AAPL", Time: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC), Suspended: false})
	p.AddBar(Bar{Symbol: "AAPL", Time: time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC), Suspended: true})

	info, err := p.GetSymbolInfo("AAPL", "2023-01-05")
	suite.Require().NoError(err)
	suite.True(info.IsSome())
	suite.True(info.Unwrap().IsSuspended)

	infoEarlier, err := p.GetSymbolInfo("AAPL", "2023-01-02")
	suite.Require().NoError(err)
	suite.False(infoEarlier.Unwrap().IsSuspended)
}

func (suite *DataProviderTestSuite) TestGetSymbolInfoUnknownSymbolIsNone() {
	p := NewInMemoryDataProvider()

	info, err := p.GetSymbolInfo("UNKNOWN", "2023-01-02")
	suite.Require().NoError(err)
	suite.True(info.IsNone())
}
