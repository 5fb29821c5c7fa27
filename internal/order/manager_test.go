package order

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/tradecore/internal/types"
)

type ManagerTestSuite struct {
	suite.Suite
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (suite *ManagerTestSuite) TestSubmitNormalisesLotSize() {
	m := NewManager(100)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	o, err := m.Submit("AAPL", 250, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	suite.Require().NoError(err)
	suite.Equal(int64(200), o.Quantity)
	suite.Equal(types.SideBuy, o.Side)
}

func (suite *ManagerTestSuite) TestSubmitSellNegativeQty() {
	m := NewManager(1)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	o, err := m.Submit("AAPL", -50, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	suite.Require().NoError(err)
	suite.Equal(types.SideSell, o.Side)
	suite.Equal(int64(50), o.Quantity)
}

func (suite *ManagerTestSuite) TestSubmitRejectsZeroAfterNormalisation() {
	m := NewManager(100)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := m.Submit("AAPL", 50, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	suite.Error(err)
}

func (suite *ManagerTestSuite) TestSubmitLimitRequiresPrice() {
	m := NewManager(1)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	_, err := m.Submit("AAPL", 10, types.OrderTypeLimit, optional.None[float64](), "", now, now)
	suite.Error(err)

	o, err := m.Submit("AAPL", 10, types.OrderTypeLimit, optional.Some(105.0), "", now, now)
	suite.Require().NoError(err)
	suite.True(o.LimitPrice.IsSome())
}

func (suite *ManagerTestSuite) TestCancelSucceedsOnlyWhenOpen() {
	m := NewManager(1)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	o, err := m.Submit("AAPL", 10, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	suite.Require().NoError(err)

	suite.NoError(m.Cancel(o.ID))
	suite.Error(m.Cancel(o.ID)) // already CANCELLED, not OPEN
}

func (suite *ManagerTestSuite) TestCancelUnknownOrderErrors() {
	m := NewManager(1)
	suite.Error(m.Cancel("does-not-exist"))
}

func (suite *ManagerTestSuite) TestGetOpenFiltersStatus() {
	m := NewManager(1)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	o1, _ := m.Submit("AAPL", 10, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	_, _ = m.Submit("AAPL", 20, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	suite.Require().NoError(m.Cancel(o1.ID))

	open := m.GetOpen()
	suite.Len(open, 1)
	suite.Equal(int64(20), open[0].Quantity)
}

func (suite *ManagerTestSuite) TestClearTodayExpiresNonImmediateOpenOrders() {
	m := NewManager(1)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	o1, _ := m.Submit("AAPL", 10, types.OrderTypeMarket, optional.None[float64](), "", now, now)
	o1.IsImmediate = false
	o2, _ := m.Submit("AAPL", 20, types.OrderTypeMarket, optional.None[float64](), "", now, now)

	expired := m.ClearToday()
	suite.Len(expired, 1)
	suite.Equal(o1.ID, expired[0].ID)
	suite.Equal(types.OrderStatusExpired, o1.Status)
	suite.Equal(types.OrderStatusOpen, o2.Status) // not cleared by this call, just dropped from today
	suite.Empty(m.GetToday())
}

func (suite *ManagerTestSuite) TestRecordFillAppendsToHistory() {
	m := NewManager(1)
	now := time.Date(2023, 1, 2, 9, 30, 0, 0, time.UTC)

	m.RecordFill(types.Fill{OrderID: "1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100, Time: now})
	suite.Len(m.GetFilledHistory(), 1)
}
