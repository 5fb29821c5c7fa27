package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/tradecore/internal/session"
)

// Resync is the SIMULATION-mode recovery procedure:
// expire every still-open order (a historical order carries assumptions
// about a market state the session has, by definition, lost track of),
// clear the intraday buffers, walk the trading calendar forward through
// every day missed between the session's last known logical date and today
// with a simplified catch-up settle, then re-align the logical clock to
// now. The caller (SimulationScheduler) resets its own daily flags and bar
// cursor once Resync returns, so the main loop re-enters as if today had
// just started.
func Resync(sess *session.Session, now time.Time) error {
	expired := sess.Orders().ExpireAllOpenAndClear()
	if len(expired) > 0 {
		sess.Logger().Warn("resync expired open orders", zap.Int("count", len(expired)))
	}

	sess.ResetIntradayBuffers()

	lastKnown := sess.CurrentTime()
	today := now.Format("2006-01-02")

	settleAt, err := ParseClockPoint(sess.Config().Lifecycle.Hooks.BrokerSettle)
	if err != nil {
		return err
	}

	if !lastKnown.IsZero() && lastKnown.Format("2006-01-02") < today {
		firstMissed := lastKnown.AddDate(0, 0, 1).Format("2006-01-02")
		lastMissed := now.AddDate(0, 0, -1).Format("2006-01-02")

		calendar, err := sess.DataProvider().GetTradingCalendar(firstMissed, lastMissed)
		if err != nil {
			return err
		}

		if len(calendar) > 0 {
			sess.Logger().Info("fast-forwarding settlement over missed trading days", zap.Int("days", len(calendar)))
		}

		for _, dateStr := range calendar {
			date, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				continue
			}

			settleDT := settleAt.On(date)
			sess.SetCurrentTime(settleDT)

			closePrices, benchmarkClose, benchmarkOk := collectClosePrices(sess, settleDT, sess.Config().Benchmark.Symbol)
			sess.SimplifiedSettle(dateStr, closePrices, benchmarkClose, benchmarkOk)
		}
	}

	sess.SetCurrentTime(now)
	sess.Dispatcher().ResetDaily()
	sess.Dispatcher().ConsumeResyncRequest()

	return nil
}
