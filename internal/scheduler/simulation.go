package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/session"
	"github.com/rxtech-lab/tradecore/internal/types"
)

// State-machine keys persisted into the session's scheduler-state bag. The
// whole bag rides along in every state snapshot, which is what makes the
// simulation loop safe across process restarts: a freshly restored session
// picks up exactly the daily flags and bar cursor it was saved with.
const (
	smLastKnownDate       = "last_known_date"
	smIsTradingDay        = "is_today_trading_day"
	smTradingDayKnown     = "trading_day_checked"
	smBeforeTradingDone   = "before_trading_done"
	smAfterTradingDone    = "after_trading_done"
	smSettleDone          = "settle_done"
	smMarketOpenRecorded  = "market_open_recorded"
	smMarketCloseRecorded = "market_close_recorded"
	smLastExecutedBar     = "last_executed_bar"
)

// SimulationScheduler drives a session from the session's own Clock (the
// real wall clock in production, a FakeClock in tests) rather than replaying
// a calendar. Each iteration classifies the market phase from the current
// time-of-day, fires whichever daily one-shot events are due exactly once,
// and executes at most one schedule point, the latest one at or before
// now, within a bounded catch-up tolerance. Overdue points are logged and
// consumed without firing, never replayed later. A resync runs only when
// the strategy dispatcher's block watchdog trips.
type SimulationScheduler struct {
	sess         *session.Session
	snapshot     Snapshotter
	pollInterval time.Duration

	points []ClockPoint

	beforeTradingAt string
	afterTradingAt  string
	brokerSettleAt  string
	sessions        []config.SessionRange

	autosaveDay int
}

// NewSimulationScheduler builds a SimulationScheduler for sess, polling
// every pollInterval (typically 1s).
func NewSimulationScheduler(sess *session.Session, snapshot Snapshotter, pollInterval time.Duration) *SimulationScheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &SimulationScheduler{sess: sess, snapshot: snapshot, pollInterval: pollInterval}
}

// tolerance returns the maximum staleness a schedule point may have and
// still be fired as itself rather than being consumed as expired: 24h for
// daily frequency (a daily bar is still "today" any time before midnight),
// 60s for minute frequency, and the configured tick interval (default 3s)
// for tick frequency.
func tolerance(cfg config.Config) time.Duration {
	switch cfg.Engine.Frequency {
	case types.FrequencyDaily:
		return 24 * time.Hour
	case types.FrequencyMinute:
		return 60 * time.Second
	case types.FrequencyTick:
		step := cfg.Engine.TickIntervalSeconds
		if step <= 0 {
			step = 3
		}

		return time.Duration(step) * time.Second
	default:
		return 60 * time.Second
	}
}

// Run drives the session from the current wall-clock time until a Stop is
// requested. It never returns until then (or until a fatal error), so
// callers typically run it in its own goroutine.
//
// A session restored from a state blob arrives already running with its
// scheduler-state bag populated; Run detects that and resumes the state
// machine where it left off instead of re-dispatching initialize.
//
// A framework fault terminates the session: was_interrupted is recorded,
// the on_end finaliser still runs, an "interrupt" checkpoint is written,
// and the fault is returned to the caller.
func (s *SimulationScheduler) Run() error {
	if err := s.run(); err != nil {
		return interruptSession(s.sess, s.snapshot, err)
	}

	return nil
}

func (s *SimulationScheduler) run() error {
	cfg := s.sess.Config()

	if err := s.prepare(cfg); err != nil {
		return err
	}

	tol := tolerance(cfg)

	for {
		iterationStart := time.Now()

		if stopped := s.checkpoint(); stopped {
			s.sess.OnEnd()
			s.sess.SetRunning(false)

			if s.snapshot != nil {
				if err := s.snapshot("final"); err != nil {
					s.sess.Logger().Error("final snapshot failed", zap.Error(err))
				}
			}

			return s.sess.WaitMonitor()
		}

		now := s.sess.Clock().Now()

		if err := s.iterate(now, tol, cfg); err != nil {
			return err
		}

		elapsed := time.Since(iterationStart)
		if sleep := s.pollInterval - elapsed; sleep > 0 {
			time.Sleep(sleep)
		} else {
			time.Sleep(s.pollInterval / 10)
		}
	}
}

// prepare dispatches initialize on a fresh session (a restored session's
// populated scheduler-state bag means initialize already ran before the
// snapshot), expands the schedule points, validates and caches the
// lifecycle clock points, and marks the session running.
func (s *SimulationScheduler) prepare(cfg config.Config) error {
	resumed := s.sess.IsRunning() && len(s.sess.SchedulerState()) > 0
	if !resumed {
		s.sess.Initialize()
	}

	points, err := BuildSchedulePoints(cfg, s.sess.CustomSchedulePoints())
	if err != nil {
		return err
	}
	s.points = points

	for _, hhmmss := range []string{cfg.Lifecycle.Hooks.BeforeTrading, cfg.Lifecycle.Hooks.AfterTrading, cfg.Lifecycle.Hooks.BrokerSettle} {
		if _, err := ParseClockPoint(hhmmss); err != nil {
			return err
		}
	}

	s.beforeTradingAt = cfg.Lifecycle.Hooks.BeforeTrading
	s.afterTradingAt = cfg.Lifecycle.Hooks.AfterTrading
	s.brokerSettleAt = cfg.Lifecycle.Hooks.BrokerSettle
	s.sessions = cfg.Lifecycle.TradingSessions

	s.sess.SetRunning(true)

	return nil
}

// iterate runs one poll of the state machine against now.
func (s *SimulationScheduler) iterate(now time.Time, tol time.Duration, cfg config.Config) error {
	sm := s.sess.SchedulerState()

	s.rollDayIfNeeded(sm, now)

	if !smGetBool(sm, smTradingDayKnown) {
		isTradingDay, err := s.isTradingDay(now)
		if err != nil {
			return err
		}

		sm[smIsTradingDay] = isTradingDay
		sm[smTradingDayKnown] = true
	}

	if !smGetBool(sm, smIsTradingDay) {
		s.sess.SetPhase(types.PhaseClosed)

		return nil
	}

	nowClock := now.Format("15:04:05")
	phase := s.classifyPhase(nowClock, smGetBool(sm, smSettleDone))
	s.sess.SetPhase(phase)

	if phase == types.PhaseTrading && !smGetBool(sm, smMarketOpenRecorded) {
		s.sess.SetCurrentTime(now)
		s.sess.RecordIntradaySample("market_open")
		sm[smMarketOpenRecorded] = true
	}

	if phase == types.PhaseAfterTrading && !smGetBool(sm, smMarketCloseRecorded) {
		s.sess.SetCurrentTime(now)
		s.sess.RecordIntradaySample("market_close")
		sm[smMarketCloseRecorded] = true
	}

	if phase == types.PhaseBeforeTrading && !smGetBool(sm, smBeforeTradingDone) {
		s.sess.BeforeTrading(now)
		sm[smBeforeTradingDone] = true
		// BeforeTrading records the market_open sample itself; the
		// first-TRADING-transition fallback above is only for days whose
		// before-trading window was missed entirely (e.g. a mid-day restart).
		sm[smMarketOpenRecorded] = true

		if resynced, err := s.maybeResync(sm, now); err != nil || resynced {
			return err
		}
	}

	if phase == types.PhaseAfterTrading && !smGetBool(sm, smAfterTradingDone) && nowClock >= s.afterTradingAt {
		s.sess.AfterTrading(now)
		sm[smAfterTradingDone] = true

		if resynced, err := s.maybeResync(sm, now); err != nil || resynced {
			return err
		}
	}

	if phase == types.PhaseSettlement && !smGetBool(sm, smSettleDone) {
		date := now.Format("2006-01-02")
		closePrices, benchmarkClose, benchmarkOk := collectClosePrices(s.sess, now, cfg.Benchmark.Symbol)
		s.sess.BrokerSettle(now, date, closePrices, benchmarkClose, benchmarkOk)
		sm[smSettleDone] = true

		if resynced, err := s.maybeResync(sm, now); err != nil || resynced {
			return err
		}

		if err := s.maybeAutosave(cfg); err != nil {
			return err
		}
	}

	return s.fireDueBar(sm, now, nowClock, tol)
}

// fireDueBar executes the latest schedule point at or before now, at most
// once per scheduled instant per day. A point found overdue beyond tol is
// logged and consumed without firing, so it is never replayed later.
func (s *SimulationScheduler) fireDueBar(sm map[string]any, now time.Time, nowClock string, tol time.Duration) error {
	var target string
	for _, cp := range s.points {
		if cp.HHMMSS <= nowClock {
			target = cp.HHMMSS
		} else {
			break
		}
	}

	if target == "" || target <= smGetString(sm, smLastExecutedBar) {
		return nil
	}

	due, err := time.Parse("15:04:05", target)
	if err != nil {
		return err
	}

	dueAt := time.Date(now.Year(), now.Month(), now.Day(), due.Hour(), due.Minute(), due.Second(), 0, now.Location())

	if now.Sub(dueAt) <= tol {
		s.sess.HandleBar(now)

		sm[smLastExecutedBar] = target

		_, err := s.maybeResync(sm, now)

		return err
	}

	s.sess.Logger().Warn("skipping expired bar",
		zap.String("scheduled", target),
		zap.Time("now", now),
	)
	sm[smLastExecutedBar] = target

	return nil
}

// classifyPhase maps a time-of-day to the market phase, comparing HH:MM:SS
// strings (which order correctly lexicographically).
func (s *SimulationScheduler) classifyPhase(nowClock string, settleDone bool) types.MarketPhase {
	for _, sr := range s.sessions {
		if sr.Start <= nowClock && nowClock <= sr.End {
			return types.PhaseTrading
		}
	}

	if len(s.sessions) > 0 && s.beforeTradingAt <= nowClock && nowClock < s.sessions[0].Start {
		return types.PhaseBeforeTrading
	}

	if len(s.sessions) > 0 && s.sessions[len(s.sessions)-1].End < nowClock && nowClock < s.brokerSettleAt {
		return types.PhaseAfterTrading
	}

	if nowClock >= s.brokerSettleAt && !settleDone {
		return types.PhaseSettlement
	}

	return types.PhaseClosed
}

// rollDayIfNeeded resets the per-day state-machine flags when the clock has
// advanced onto a new calendar date: daily one-shots re-arm, the bar cursor
// clears, today's order table and intraday buffers empty, and the
// trading-day cache is invalidated.
func (s *SimulationScheduler) rollDayIfNeeded(sm map[string]any, now time.Time) {
	date := now.Format("2006-01-02")
	if date == smGetString(sm, smLastKnownDate) {
		return
	}

	sm[smLastKnownDate] = date
	sm[smTradingDayKnown] = false
	sm[smBeforeTradingDone] = false
	sm[smAfterTradingDone] = false
	sm[smSettleDone] = false
	sm[smMarketOpenRecorded] = false
	sm[smMarketCloseRecorded] = false
	sm[smLastExecutedBar] = ""

	s.sess.SetCurrentTime(now)
	s.sess.Orders().ClearToday()
	s.sess.ResetIntradayBuffers()
	s.sess.PublishUpdate()
}

// maybeResync consumes a pending block-watchdog request, running the resync
// procedure and resetting the daily state machine so the loop re-enters
// cleanly on its next iteration.
func (s *SimulationScheduler) maybeResync(sm map[string]any, now time.Time) (bool, error) {
	if !s.sess.Dispatcher().ConsumeResyncRequest() {
		return false, nil
	}

	s.sess.Logger().Warn("resync triggered by block watchdog", zap.Time("at", now))

	if err := Resync(s.sess, now); err != nil {
		return true, err
	}

	sm[smBeforeTradingDone] = false
	sm[smAfterTradingDone] = false
	sm[smSettleDone] = false
	sm[smMarketOpenRecorded] = false
	sm[smMarketCloseRecorded] = false
	sm[smLastExecutedBar] = now.Format("15:04:05")
	sm[smLastKnownDate] = now.Format("2006-01-02")
	sm[smTradingDayKnown] = false

	return true, nil
}

// isTradingDay queries the trading calendar for now's date alone.
func (s *SimulationScheduler) isTradingDay(now time.Time) (bool, error) {
	date := now.Format("2006-01-02")

	days, err := s.sess.DataProvider().GetTradingCalendar(date, date)
	if err != nil {
		return false, err
	}

	return len(days) > 0, nil
}

// maybeAutosave persists a checkpoint once per workspace.auto_save_interval
// days, when workspace.auto_save_state is enabled. Called exactly once per
// day, right after that day's settlement runs.
func (s *SimulationScheduler) maybeAutosave(cfg config.Config) error {
	if !cfg.Workspace.AutoSaveState || s.snapshot == nil {
		return nil
	}

	s.autosaveDay++

	interval := cfg.Workspace.AutoSaveInterval
	if interval < 1 {
		interval = 1
	}

	if s.autosaveDay%interval != 0 {
		return nil
	}

	return s.snapshot("autosave")
}

// checkpoint runs the session's pause/stop checkpoint, snapshotting on
// pause when a Snapshotter is configured.
func (s *SimulationScheduler) checkpoint() (stopped bool) {
	return s.sess.CheckInterrupt(func() {
		if s.snapshot != nil {
			if err := s.snapshot("pause"); err != nil {
				s.sess.Logger().Error("pause snapshot failed", zap.Error(err))
			}
		}
	})
}

// smGetBool reads a bool flag from the scheduler-state bag, tolerating a
// missing key and the stringly-typed values a YAML round trip may leave.
func smGetBool(sm map[string]any, key string) bool {
	v, ok := sm[key]
	if !ok {
		return false
	}

	b, ok := v.(bool)

	return ok && b
}

// smGetString reads a string value from the scheduler-state bag.
func smGetString(sm map[string]any, key string) string {
	v, ok := sm[key]
	if !ok {
		return ""
	}

	str, _ := v.(string)

	return str
}
