package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/session"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Snapshotter persists a named checkpoint of the session (autosave, pause,
// interrupt, or final) and is supplied by whatever wires a scheduler to
// internal/state; schedulers never import the state package directly, to
// keep the dependency one-directional.
type Snapshotter func(reason string) error

// interruptSession is the shared framework-fault path for both schedulers:
// record was_interrupted, log, still run the on_end finaliser, write an
// "interrupt" checkpoint, and hand the fault back to the caller.
func interruptSession(sess *session.Session, snapshot Snapshotter, cause error) error {
	sess.SetWasInterrupted(true)
	sess.Logger().Error("session terminated by framework fault", zap.Error(cause))

	sess.OnEnd()
	sess.SetRunning(false)

	if snapshot != nil {
		if err := snapshot("interrupt"); err != nil {
			sess.Logger().Error("interrupt snapshot failed", zap.Error(err))
		}
	}

	if err := sess.WaitMonitor(); err != nil {
		sess.Logger().Error("monitor shutdown failed", zap.Error(err))
	}

	return cause
}

// BacktestScheduler deterministically replays the trading calendar between
// engine.start_date and engine.end_date once, in lockstep with
// before_trading -> handle_bar[+match] -> after_trading -> broker_settle for
// every trading day.
type BacktestScheduler struct {
	sess        *session.Session
	snapshot    Snapshotter
	points      []ClockPoint
	autosaveDay int
}

// NewBacktestScheduler builds a BacktestScheduler for sess. snapshot may be
// nil, in which case autosave/pause/stop checkpoints are silently skipped.
func NewBacktestScheduler(sess *session.Session, snapshot Snapshotter) *BacktestScheduler {
	return &BacktestScheduler{sess: sess, snapshot: snapshot}
}

// Run drives the session from engine.start_date through engine.end_date,
// calling Initialize once up front and OnEnd once at the end, including
// when a stop is requested mid-run.
//
// A session restored from a state blob arrives already running with a
// non-zero current time; Run detects that and resumes instead of starting
// over: the calendar is re-cut from the resume date, initialize is not
// re-dispatched, and on the resume day before_trading is skipped and only
// schedule points strictly later than the resume time are executed.
//
// A framework fault (calendar failure, invalid configuration, snapshot
// write failure) terminates the session: was_interrupted is recorded, the
// on_end finaliser still runs, an "interrupt" checkpoint is written, and
// the fault is returned to the caller.
func (b *BacktestScheduler) Run() error {
	if err := b.run(); err != nil {
		return interruptSession(b.sess, b.snapshot, err)
	}

	return nil
}

func (b *BacktestScheduler) run() error {
	cfg := b.sess.Config()

	var resumeDT time.Time
	if b.sess.IsRunning() && !b.sess.CurrentTime().IsZero() {
		resumeDT = b.sess.CurrentTime()
	}

	startDate := cfg.Engine.StartDate
	if !resumeDT.IsZero() {
		startDate = resumeDT.Format("2006-01-02")
	}

	calendar, err := b.sess.DataProvider().GetTradingCalendar(startDate, cfg.Engine.EndDate)
	if err != nil {
		return terrors.Wrap(terrors.ErrCodeCalendarUnavailable, "loading trading calendar", err)
	}

	if resumeDT.IsZero() {
		b.sess.Initialize()
	}

	points, err := BuildSchedulePoints(cfg, b.sess.CustomSchedulePoints())
	if err != nil {
		return err
	}
	b.points = points

	hooks := cfg.Lifecycle.Hooks

	beforeTrading, err := ParseClockPoint(hooks.BeforeTrading)
	if err != nil {
		return err
	}

	afterTrading, err := ParseClockPoint(hooks.AfterTrading)
	if err != nil {
		return err
	}

	brokerSettle, err := ParseClockPoint(hooks.BrokerSettle)
	if err != nil {
		return err
	}

	b.sess.SetRunning(true)

	for _, dateStr := range calendar {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return terrors.Wrapf(terrors.ErrCodeCalendarUnavailable, err, "calendar returned invalid date %q", dateStr)
		}

		points := b.points

		if !resumeDT.IsZero() && dateStr == resumeDT.Format("2006-01-02") {
			// Resume day: before_trading already ran before the snapshot was
			// taken; only bars strictly later than the resume time remain.
			resumeTime := resumeDT.Format("15:04:05")

			var remaining []ClockPoint
			for _, cp := range b.points {
				if cp.HHMMSS > resumeTime {
					remaining = append(remaining, cp)
				}
			}
			points = remaining
		} else {
			b.sess.BeforeTrading(beforeTrading.On(date))

			if stopped := b.checkpoint(); stopped {
				return b.finish()
			}
		}

		for _, cp := range points {
			b.sess.HandleBar(cp.On(date))
			b.sess.Dispatcher().ConsumeResyncRequest() // no-op outside SIMULATION

			if stopped := b.checkpoint(); stopped {
				return b.finish()
			}
		}

		b.sess.AfterTrading(afterTrading.On(date))

		settleTime := brokerSettle.On(date)
		closePrices, benchmarkClose, benchmarkOk := collectClosePrices(b.sess, settleTime, cfg.Benchmark.Symbol)
		b.sess.BrokerSettle(settleTime, dateStr, closePrices, benchmarkClose, benchmarkOk)

		if err := b.maybeAutosave(cfg); err != nil {
			return err
		}

		if stopped := b.checkpoint(); stopped {
			return b.finish()
		}
	}

	return b.finish()
}

// finish runs OnEnd unconditionally (a requested stop still gets its
// finaliser), marks the session stopped and flushes any in-flight monitor
// publishes.
func (b *BacktestScheduler) finish() error {
	b.sess.OnEnd()
	b.sess.SetRunning(false)

	if b.snapshot != nil {
		if err := b.snapshot("final"); err != nil {
			b.sess.Logger().Error("final snapshot failed", zap.Error(err))
		}
	}

	return b.sess.WaitMonitor()
}

// checkpoint runs the session's pause/stop checkpoint, snapshotting on
// pause when a Snapshotter is configured.
func (b *BacktestScheduler) checkpoint() (stopped bool) {
	stopped = b.sess.CheckInterrupt(func() {
		if b.snapshot != nil {
			if err := b.snapshot("pause"); err != nil {
				b.sess.Logger().Error("pause snapshot failed", zap.Error(err))
			}
		}
	})

	return stopped
}

// maybeAutosave persists a checkpoint every workspace.auto_save_interval
// trading days, when workspace.auto_save_state is enabled.
func (b *BacktestScheduler) maybeAutosave(cfg config.Config) error {
	if !cfg.Workspace.AutoSaveState || b.snapshot == nil {
		return nil
	}

	b.autosaveDay++

	interval := cfg.Workspace.AutoSaveInterval
	if interval < 1 {
		interval = 1
	}

	if b.autosaveDay%interval != 0 {
		return nil
	}

	return b.snapshot("autosave")
}
