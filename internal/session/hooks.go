package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/tradecore/internal/strategy"
	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// newContext builds the strategy.Context for the hook about to run, wiring
// the guarded add_schedule/set_initial_state/align_account_state closures
// back to this Session.
func (s *Session) newContext() *strategy.Context {
	return strategy.NewContext(
		s.currentTime,
		s.mode,
		s.phase,
		s.portfolioTr,
		s.positionMgr,
		s.orderMgr,
		s.dataProvider,
		s.log,
		s.userData,
		s.clk,
		s.isInitializing,
		s.addSchedulePoint,
		s.setInitialState,
		s.alignAccountState,
	)
}

// addSchedulePoint validates and records a custom schedule point added via
// Context.AddSchedule during Initialize.
func (s *Session) addSchedulePoint(hhmmss string) error {
	if _, err := time.Parse("15:04:05", hhmmss); err != nil {
		return terrors.Wrapf(terrors.ErrCodeInvalidParameter, err, "invalid schedule point %q", hhmmss)
	}

	s.customSchedulePoints = append(s.customSchedulePoints, hhmmss)

	return nil
}

// setInitialState seeds the portfolio and position set once, during
// Initialize.
func (s *Session) setInitialState(cash float64, positions []types.Position) error {
	if s.initialStateSet {
		return terrors.New(terrors.ErrCodeInitialStateAlreadySet, "set_initial_state may only be called once")
	}

	s.applyAccountState(cash, positions)
	s.initialStateSet = true

	return nil
}

// alignAccountState manually overrides the portfolio and position set
// outside of initialization, e.g. to reconcile against an external broker.
func (s *Session) alignAccountState(cash float64, positions []types.Position) error {
	s.applyAccountState(cash, positions)

	return nil
}

// applyAccountState is the shared logic behind set_initial_state and
// align_account_state: it replaces cash and each listed position; positions
// not in the list are left as they are.
func (s *Session) applyAccountState(cash float64, positions []types.Position) {
	snapshot := s.portfolioTr.Snapshot()
	snapshot.Cash = cash
	s.portfolioTr.Restore(snapshot)

	for _, p := range positions {
		s.positionMgr.AdjustPosition(p.Symbol, p.Direction, p.Quantity, p.AvgCost, s.currentTime)
	}

	s.portfolioTr.UpdateFinancials(s.positionMgr)
}

// Initialize runs the strategy's one-time setup hook. It must be called
// exactly once, before BeforeTrading is ever called for the first trading
// day.
func (s *Session) Initialize() {
	s.isInitializing = true
	s.currentTime = s.clk.Now()

	s.dispatcher.Invoke("initialize", s.strat.Initialize, s.newContext())

	s.isInitializing = false
}

// BeforeTrading runs the before_trading hook at the start of a trading day:
// resets the daily strategy-error flag and intraday buffers, then dispatches.
func (s *Session) BeforeTrading(t time.Time) {
	s.currentTime = t
	s.phase = types.PhaseBeforeTrading

	s.dispatcher.ResetDaily()
	s.ResetIntradayBuffers()

	s.dispatcher.Invoke("before_trading", s.strat.BeforeTrading, s.newContext())

	s.phase = types.PhaseTrading
	s.RecordIntradaySample("market_open")
	s.PublishUpdate()
}

// HandleBar runs the handle_bar hook at one intraday schedule point, then
// attempts to match every currently open order against t.
func (s *Session) HandleBar(t time.Time) {
	s.currentTime = t
	s.phase = types.PhaseTrading

	s.dispatcher.Invoke("handle_bar", s.strat.HandleBar, s.newContext())

	s.MatchOrders(t)
	s.RecordIntradaySample("bar")
	s.PublishUpdate()
}

// MatchOrders attempts to fill every order currently OPEN in today's table
// against market data at t. Portfolio financials are recomputed by each
// fill, not in a separate pass afterwards.
func (s *Session) MatchOrders(t time.Time) {
	for _, o := range s.orderMgr.GetOpen() {
		if err := s.matchEngine.Match(o, t); err != nil {
			s.log.Error("match attempt failed", zap.String("symbol", o.Symbol), zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// AfterTrading runs the after_trading hook once the trading session has
// closed for the day.
func (s *Session) AfterTrading(t time.Time) {
	s.currentTime = t
	s.phase = types.PhaseAfterTrading

	s.dispatcher.Invoke("after_trading", s.strat.AfterTrading, s.newContext())

	s.RecordIntradaySample("market_close")
	s.PublishUpdate()
}

// BrokerSettle runs daily settlement: expires stale non-immediate open
// orders, settles every position against closePrices, records portfolio and
// (when benchmarkOk) benchmark history, then dispatches the broker_settle
// hook. benchmarkOk false means the data provider had no benchmark price
// for the day, so the benchmark row is skipped rather than recorded with a
// fabricated price.
func (s *Session) BrokerSettle(t time.Time, date string, closePrices map[string]float64, benchmarkClose float64, benchmarkOk bool) {
	s.currentTime = t
	s.phase = types.PhaseSettlement

	s.matchEngine.Settle(date, closePrices)

	if benchmarkOk {
		s.benchmarkTr.Record(date, benchmarkClose)
	}

	s.dispatcher.Invoke("broker_settle", s.strat.BrokerSettle, s.newContext())

	s.phase = types.PhaseClosed
	s.PublishUpdate()
}

// OnEnd runs the strategy's final teardown hook, at the end of the last
// configured trading day (BACKTEST) or on a clean Stop (SIMULATION).
func (s *Session) OnEnd() {
	s.dispatcher.Invoke("on_end", s.strat.OnEnd, s.newContext())
	s.PublishUpdate()
}

// SimplifiedSettle runs settlement for a day the scheduler never actually
// stopped the clock on: the catch-up days a resync walks through between
// the last settled date and today. It settles positions/portfolio/
// benchmark exactly like BrokerSettle but never dispatches the
// broker_settle hook: a missed day never ran before_trading/handle_bar/
// after_trading either, so there is no coherent context to hand the
// strategy for it. benchmarkOk false skips the benchmark row.
func (s *Session) SimplifiedSettle(date string, closePrices map[string]float64, benchmarkClose float64, benchmarkOk bool) {
	s.matchEngine.Settle(date, closePrices)

	if benchmarkOk {
		s.benchmarkTr.Record(date, benchmarkClose)
	}
}
