package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/rxtech-lab/tradecore/internal/clock"
	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/dataprovider"
	"github.com/rxtech-lab/tradecore/internal/logger"
	"github.com/rxtech-lab/tradecore/internal/session"
	"github.com/rxtech-lab/tradecore/internal/strategy"
	"github.com/rxtech-lab/tradecore/internal/types"
)

type StateTestSuite struct {
	suite.Suite
}

func TestStateSuite(t *testing.T) {
	suite.Run(t, new(StateTestSuite))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Engine.Mode = types.ModeBacktest
	cfg.Engine.StartDate = "2024-01-01"
	cfg.Engine.EndDate = "2024-01-31"
	cfg.Benchmark.Symbol = "SPY"
	cfg.Benchmark.Name = "S&P 500"

	return cfg
}

func newTestSession() *session.Session {
	dp := dataprovider.NewInMemoryDataProvider()

	return session.New(testConfig(), "buy-and-hold", strategy.BaseStrategy{}, dp, clock.NewFakeClock(time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)), logger.NewNop(), nil)
}

func (suite *StateTestSuite) TestSaveRoundTripsAccounting() {
	sess := newTestSession()
	sess.SetRunning(true)

	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 100, 150, sess.CurrentTime())
	sess.Portfolio().AdjustCash(-15000)
	sess.Portfolio().UpdateFinancials(sess.Positions())
	sess.Portfolio().RecordHistory("2024-01-05", sess.Positions())
	sess.Benchmark().Record("2024-01-05", 450.0)
	sess.UserData().Set("last_signal", "buy")

	blob := Save(sess, sess.Clock().Now())

	suite.Equal("buy-and-hold", blob.Context.StrategyName)
	suite.True(blob.Context.IsRunning)
	suite.Equal(strategy.ABIVersion, blob.Context.ABIVersion)
	suite.Require().Len(blob.Positions, 1)
	suite.Equal("AAPL", blob.Positions[0].Symbol)
	suite.Equal("SPY", blob.BenchmarkSymbol)
	suite.Require().Len(blob.BenchmarkHistory, 1)
	suite.Equal("buy", blob.UserData["last_signal"])
}

func (suite *StateTestSuite) TestSaveSynthesisesIntradayTodaySnapshot() {
	sess := newTestSession()
	sess.SetRunning(true)

	// Mid-morning, well before the 15:30 broker settle.
	sess.SetCurrentTime(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))
	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 100, 150, sess.CurrentTime())

	blob := Save(sess, sess.Clock().Now())

	suite.Require().Len(blob.PositionSnapshots, 1)
	snap := blob.PositionSnapshots[0]
	suite.Equal("2024-01-05", snap.Date)
	suite.Equal("AAPL", snap.Symbol)
	suite.InDelta(100.0, snap.Quantity, 1e-9)
	// No quote at this instant: the position's own current price backs the row.
	suite.InDelta(150.0, snap.ClosePrice, 1e-9)
}

func (suite *StateTestSuite) TestSaveKeepsSnapshotsOfClosedSymbols() {
	sess := newTestSession()
	sess.SetRunning(true)

	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 100, 150, sess.CurrentTime())
	sess.Positions().Settle("2024-01-04", map[string]float64{"AAPL": 155})
	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 0, 0, sess.CurrentTime())

	blob := Save(sess, sess.Clock().Now())

	suite.Require().Len(blob.PositionSnapshots, 1)
	suite.Equal("2024-01-04", blob.PositionSnapshots[0].Date)
	suite.Empty(blob.Positions)
}

func (suite *StateTestSuite) TestRestoreRejectsTerminalBlob() {
	sess := newTestSession()
	sess.SetRunning(false)

	blob := Save(sess, sess.Clock().Now())

	dp := dataprovider.NewInMemoryDataProvider()
	_, err := Restore(blob, strategy.BaseStrategy{}, dp, clock.NewFakeClock(time.Now()), logger.NewNop(), nil)
	suite.Error(err)
}

func (suite *StateTestSuite) TestRestoreRejectsIncompatibleABI() {
	sess := newTestSession()
	sess.SetRunning(true)

	blob := Save(sess, sess.Clock().Now())
	blob.Context.ABIVersion = "99.0.0"

	dp := dataprovider.NewInMemoryDataProvider()
	_, err := Restore(blob, strategy.BaseStrategy{}, dp, clock.NewFakeClock(time.Now()), logger.NewNop(), nil)
	suite.Error(err)
}

func (suite *StateTestSuite) TestRestoreRebuildsSessionState() {
	sess := newTestSession()
	sess.SetRunning(true)
	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 100, 150, sess.CurrentTime())
	sess.Portfolio().AdjustCash(-15000)
	sess.Portfolio().UpdateFinancials(sess.Positions())
	sess.UserData().Set("k", "v")
	sess.RestoreCustomSchedulePoints([]string{"10:30:00"})

	blob := Save(sess, sess.Clock().Now())

	dp := dataprovider.NewInMemoryDataProvider()
	restored, err := Restore(blob, strategy.BaseStrategy{}, dp, clock.NewFakeClock(time.Now()), logger.NewNop(), nil)
	suite.Require().NoError(err)

	suite.Equal("v", restored.UserData().Get("k", nil))
	suite.Equal([]string{"10:30:00"}, restored.CustomSchedulePoints())

	pos, ok := restored.Positions().Get("AAPL", types.DirectionLong)
	suite.Require().True(ok)
	suite.InDelta(100.0, pos.Quantity, 1e-9)
}

func (suite *StateTestSuite) TestForkTruncatesHistoryBeforeCutover() {
	sess := newTestSession()
	sess.SetRunning(true)

	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 100, 150, sess.CurrentTime())
	sess.Positions().Settle("2024-01-02", map[string]float64{"AAPL": 155})
	sess.Positions().Settle("2024-01-03", map[string]float64{"AAPL": 160})
	sess.Positions().Settle("2024-01-04", map[string]float64{"AAPL": 165})

	sess.Benchmark().Record("2024-01-02", 440)
	sess.Benchmark().Record("2024-01-03", 445)
	sess.Benchmark().Record("2024-01-04", 450)

	sess.Portfolio().UpdateFinancials(sess.Positions())
	sess.Portfolio().RecordHistory("2024-01-02", sess.Positions())
	sess.Portfolio().RecordHistory("2024-01-03", sess.Positions())
	sess.Portfolio().RecordHistory("2024-01-04", sess.Positions())

	blob := Save(sess, sess.Clock().Now())

	dp := dataprovider.NewInMemoryDataProvider()
	forked, err := Fork(blob, "2024-01-04", nil, dp, clock.NewFakeClock(time.Now()), logger.NewNop(), nil)
	suite.Require().NoError(err)

	suite.Len(forked.Portfolio().Snapshot().History, 2)
	suite.Len(forked.Benchmark().History(), 2)

	pos, ok := forked.Positions().Get("AAPL", types.DirectionLong)
	suite.Require().True(ok)
	suite.InDelta(100.0, pos.Quantity, 1e-9)
	suite.InDelta(160.0, pos.AvgCost, 1e-9)
	suite.InDelta(100.0, pos.AvailableQuantity, 1e-9)
}

func (suite *StateTestSuite) TestWriteFileThenReadFileRoundTrips() {
	sess := newTestSession()
	sess.SetRunning(true)
	sess.Positions().AdjustPosition("AAPL", types.DirectionLong, 100, 150, sess.CurrentTime())

	blob := Save(sess, sess.Clock().Now())

	path := suite.T().TempDir() + "/state.yaml"
	written, err := WriteFile(blob, path, "overwrite")
	suite.Require().NoError(err)
	suite.Equal(path, written)

	loaded, err := ReadFile(path)
	suite.Require().NoError(err)
	suite.Equal(blob.Context.StrategyName, loaded.Context.StrategyName)
	suite.Require().Len(loaded.Positions, 1)
}

func (suite *StateTestSuite) TestIndexLoadAndQuery() {
	sess := newTestSession()
	sess.SetRunning(true)
	sess.Positions().Settle("2024-01-05", map[string]float64{"AAPL": 150})

	blob := Save(sess, sess.Clock().Now())

	idx, err := NewIndex(logger.NewNop())
	suite.Require().NoError(err)
	defer idx.Close()

	suite.Require().NoError(idx.Load(blob))

	pnl, err := idx.SymbolPnL("AAPL")
	suite.Require().NoError(err)
	suite.InDelta(0.0, pnl, 1e-9)
}
