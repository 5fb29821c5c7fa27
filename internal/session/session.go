// Package session owns the mutable runtime state of one trading session:
// Portfolio, Position Manager, Order Manager, Benchmark, the Matching
// Engine and the strategy Dispatcher, threaded explicitly by reference
// rather than through a shared global. Scheduler implementations
// (internal/scheduler) drive it; internal/state snapshots/restores it.
package session

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rxtech-lab/tradecore/internal/benchmark"
	"github.com/rxtech-lab/tradecore/internal/clock"
	"github.com/rxtech-lab/tradecore/internal/commission"
	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/dataprovider"
	"github.com/rxtech-lab/tradecore/internal/logger"
	"github.com/rxtech-lab/tradecore/internal/matching"
	"github.com/rxtech-lab/tradecore/internal/order"
	"github.com/rxtech-lab/tradecore/internal/portfolio"
	"github.com/rxtech-lab/tradecore/internal/position"
	"github.com/rxtech-lab/tradecore/internal/strategy"
	"github.com/rxtech-lab/tradecore/internal/types"
)

// IntradayPoint is one sampled (time, value) pair recorded into the
// intraday equity/benchmark buffers (engine.enable_intraday_statistics).
type IntradayPoint struct {
	Time  time.Time `yaml:"time" json:"time"`
	Value float64   `yaml:"value" json:"value"`
	Label string    `yaml:"label" json:"label"`
}

// Session carries the single logical thread of mutation: every lifecycle
// hook, match attempt, settlement and
// scheduler transition mutates it serially on the scheduler's goroutine.
// The only concurrency is the monitor publisher (non-blocking, via
// errgroup) and the pause/resume/stop flags, which an external control
// input may set from another goroutine.
type Session struct {
	cfg          config.Config
	mode         types.Mode
	strategyName string
	clk          clock.Clock
	log          *logger.Logger

	dataProvider dataprovider.DataProvider

	portfolioTr *portfolio.Tracker
	positionMgr *position.Manager
	orderMgr    *order.Manager
	benchmarkTr *benchmark.Tracker
	matchEngine *matching.Engine

	strat      strategy.Strategy
	dispatcher *strategy.Dispatcher
	userData   *strategy.UserData

	currentTime time.Time
	phase       types.MarketPhase

	isInitializing       bool
	initialStateSet      bool
	customSchedulePoints []string

	// schedulerState is an opaque bag the active scheduler persists its own
	// state-machine fields into; it rides along in every state snapshot.
	// Session does not interpret it.
	schedulerState map[string]any

	intradayEquity     []IntradayPoint
	intradayBenchmark  []IntradayPoint
	lastIntradaySample time.Time

	monitor      func(*Session)
	monitorGroup *errgroup.Group

	mu             sync.Mutex
	cond           *sync.Cond
	running        bool
	paused         bool
	pauseRequested bool
	stopRequested  bool
	wasInterrupted bool
}

// New builds a Session wired to the given strategy, data provider and
// account/cost-model configuration. monitor, if non-nil, is invoked
// asynchronously (never blocking the caller) at every quiescent point:
// end of each lifecycle hook, after each match, after each settle.
func New(cfg config.Config, strategyName string, strat strategy.Strategy, dp dataprovider.DataProvider, clk clock.Clock, log *logger.Logger, monitor func(*Session)) *Session {
	positionMgr := position.NewManager(cfg.Account.TradingRule, cfg.Account.ShortMarginRate)
	orderMgr := order.NewManager(cfg.Account.OrderLotSize)
	portfolioTr := portfolio.NewTracker(cfg.Account.InitialCash)
	benchmarkTr := benchmark.NewTracker(cfg.Benchmark.Symbol, cfg.Benchmark.Name, cfg.Account.InitialCash)

	matchEngine := matching.New(
		dp, positionMgr, orderMgr, portfolioTr,
		commission.NewRateCalculator(cfg.Matching.Commission),
		commission.NewFixedSlippage(cfg.Matching.Slippage),
		cfg.Account.TradingMode, cfg.Account.TradingRule, cfg.Account.ShortMarginRate,
	)

	s := &Session{
		cfg:            cfg,
		mode:           cfg.Engine.Mode,
		strategyName:   strategyName,
		clk:            clk,
		log:            log,
		dataProvider:   dp,
		portfolioTr:    portfolioTr,
		positionMgr:    positionMgr,
		orderMgr:       orderMgr,
		benchmarkTr:    benchmarkTr,
		matchEngine:    matchEngine,
		strat:          strat,
		dispatcher:     strategy.NewDispatcher(log, clk, time.Duration(cfg.Engine.BlockThresholdSeconds)*time.Second),
		userData:       strategy.NewUserData(),
		phase:          types.PhaseClosed,
		schedulerState: make(map[string]any),
		monitor:        monitor,
		monitorGroup:   new(errgroup.Group),
	}
	s.cond = sync.NewCond(&s.mu)

	return s
}

// Config returns the session's configuration.
func (s *Session) Config() config.Config { return s.cfg }

// Mode returns BACKTEST or SIMULATION.
func (s *Session) Mode() types.Mode { return s.mode }

// StrategyName returns the configured strategy name, used in state
// snapshots.
func (s *Session) StrategyName() string { return s.strategyName }

// CurrentTime returns the session's current logical time.
func (s *Session) CurrentTime() time.Time { return s.currentTime }

// SetCurrentTime advances the session's logical clock.
func (s *Session) SetCurrentTime(t time.Time) { s.currentTime = t }

// Phase returns the current market phase.
func (s *Session) Phase() types.MarketPhase { return s.phase }

// SetPhase sets the current market phase.
func (s *Session) SetPhase(p types.MarketPhase) { s.phase = p }

// Portfolio returns the session's Portfolio tracker.
func (s *Session) Portfolio() *portfolio.Tracker { return s.portfolioTr }

// Positions returns the session's Position Manager.
func (s *Session) Positions() *position.Manager { return s.positionMgr }

// Orders returns the session's Order Manager.
func (s *Session) Orders() *order.Manager { return s.orderMgr }

// Benchmark returns the session's Benchmark tracker.
func (s *Session) Benchmark() *benchmark.Tracker { return s.benchmarkTr }

// Matching returns the session's Matching Engine.
func (s *Session) Matching() *matching.Engine { return s.matchEngine }

// DataProvider returns the session's external market-data collaborator.
func (s *Session) DataProvider() dataprovider.DataProvider { return s.dataProvider }

// Clock returns the session's time source.
func (s *Session) Clock() clock.Clock { return s.clk }

// Logger returns the session's structured logger.
func (s *Session) Logger() *logger.Logger { return s.log }

// Dispatcher returns the session's strategy Dispatcher.
func (s *Session) Dispatcher() *strategy.Dispatcher { return s.dispatcher }

// UserData returns the session's strategy scratch space.
func (s *Session) UserData() *strategy.UserData { return s.userData }

// CustomSchedulePoints returns the HH:MM:SS points added via add_schedule
// during initialize.
func (s *Session) CustomSchedulePoints() []string {
	return append([]string(nil), s.customSchedulePoints...)
}

// RestoreCustomSchedulePoints replaces the custom schedule point list
// wholesale, as used on state restore.
func (s *Session) RestoreCustomSchedulePoints(points []string) {
	s.customSchedulePoints = append([]string(nil), points...)
}

// SchedulerState returns the active scheduler's opaque persisted
// state-machine bag.
func (s *Session) SchedulerState() map[string]any { return s.schedulerState }

// SetSchedulerState replaces the scheduler's persisted state-machine bag,
// as used on state restore.
func (s *Session) SetSchedulerState(state map[string]any) {
	if state == nil {
		state = make(map[string]any)
	}

	s.schedulerState = state
}

// IntradayEquityHistory returns the buffered intraday net-worth samples
// recorded since the last daily reset.
func (s *Session) IntradayEquityHistory() []IntradayPoint {
	return append([]IntradayPoint(nil), s.intradayEquity...)
}

// IntradayBenchmarkHistory returns the buffered intraday benchmark samples
// recorded since the last daily reset.
func (s *Session) IntradayBenchmarkHistory() []IntradayPoint {
	return append([]IntradayPoint(nil), s.intradayBenchmark...)
}

// RestoreIntradayHistory replaces both intraday buffers wholesale, as used
// on state restore.
func (s *Session) RestoreIntradayHistory(equity, benchmarkPts []IntradayPoint) {
	s.intradayEquity = equity
	s.intradayBenchmark = benchmarkPts
}

// ResetIntradayBuffers clears both intraday buffers, run at the start of
// every trading day.
func (s *Session) ResetIntradayBuffers() {
	s.intradayEquity = nil
	s.intradayBenchmark = nil
	s.lastIntradaySample = time.Time{}
}

// RecordIntradaySample appends one (time, net worth) / (time, benchmark
// value) pair to the intraday buffers when
// engine.enable_intraday_statistics is set. Ordinary bar samples are
// throttled to engine.intraday_update_frequency minutes; the market_open
// and market_close boundary samples always record.
func (s *Session) RecordIntradaySample(label string) {
	if !s.cfg.Engine.EnableIntradayStatistics {
		return
	}

	if label == "bar" && !s.lastIntradaySample.IsZero() {
		interval := time.Duration(s.cfg.Engine.IntradayUpdateFrequency) * time.Minute
		if interval > 0 && s.currentTime.Sub(s.lastIntradaySample) < interval {
			return
		}
	}

	s.lastIntradaySample = s.currentTime

	s.intradayEquity = append(s.intradayEquity, IntradayPoint{
		Time:  s.currentTime,
		Value: s.portfolioTr.Snapshot().NetWorth,
		Label: label,
	})

	bench := s.benchmarkTr.History()
	if len(bench) > 0 {
		last := bench[len(bench)-1]
		s.intradayBenchmark = append(s.intradayBenchmark, IntradayPoint{
			Time:  s.currentTime,
			Value: last.ScaledValue,
			Label: label,
		})
	}
}

// IsRunning reports whether the session's main loop is currently active.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// SetRunning sets the running flag, persisted in state snapshots; a
// snapshot with is_running = false is terminal and must not be resumed or
// forked.
func (s *Session) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = running
}

// WasInterrupted reports whether the session exited via a framework fault
// rather than a clean stop/completion.
func (s *Session) WasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wasInterrupted
}

// SetWasInterrupted marks the session as having been interrupted by a
// framework fault rather than stopped cleanly.
func (s *Session) SetWasInterrupted(interrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wasInterrupted = interrupted
}

// RequestPause asks the scheduler to pause at its next checkpoint. Safe to
// call from any goroutine.
func (s *Session) RequestPause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pauseRequested = true
}

// RequestStop asks the scheduler to stop at its next checkpoint. Safe to
// call from any goroutine.
func (s *Session) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRequested = true
	s.cond.Broadcast()
}

// Resume wakes a paused scheduler. Safe to call from any goroutine.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = false
	s.pauseRequested = false
	s.cond.Broadcast()
}

// IsPaused reports whether the scheduler is currently blocked in a pause.
func (s *Session) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paused
}

// CheckInterrupt is the scheduler's checkpoint: it reports whether a stop
// was requested, and if a pause was requested, blocks the calling goroutine
// (via condition variable, never busy-waiting) until Resume or RequestStop
// is called. On a pause it first records one unthrottled intraday-stats
// sample (label "pause"); onPause, if non-nil, then runs once synchronously
// before blocking (the scheduler's hook to write a "pause" snapshot).
func (s *Session) CheckInterrupt(onPause func()) (stopped bool) {
	s.mu.Lock()

	if s.stopRequested {
		s.mu.Unlock()

		return true
	}

	if !s.pauseRequested {
		s.mu.Unlock()

		return false
	}

	s.paused = true
	s.mu.Unlock()

	s.RecordIntradaySample("pause")

	if onPause != nil {
		onPause()
	}

	s.mu.Lock()
	for s.paused && !s.stopRequested {
		s.cond.Wait()
	}

	stopped = s.stopRequested
	s.mu.Unlock()

	return stopped
}

// StopRequested reports whether a stop was requested, without blocking.
func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopRequested
}

// PublishUpdate fires the monitor hook asynchronously via errgroup,
// guaranteeing the caller is never blocked by a slow or failing monitor.
// Errors are collected and surfaced by WaitMonitor, never by
// PublishUpdate itself.
func (s *Session) PublishUpdate() {
	if s.monitor == nil {
		return
	}

	monitor := s.monitor
	s.monitorGroup.Go(func() error {
		monitor(s)

		return nil
	})
}

// WaitMonitor blocks until every PublishUpdate call so far has completed,
// returning the first error (if the monitor hook were changed to return
// one in the future). Call at session shutdown to avoid leaking publisher
// goroutines.
func (s *Session) WaitMonitor() error {
	return s.monitorGroup.Wait()
}
