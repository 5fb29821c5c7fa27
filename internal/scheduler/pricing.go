package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/tradecore/internal/session"
)

// collectClosePrices fetches the quote at t for every symbol currently
// held plus benchmarkSymbol, shared by both scheduler implementations and
// the resync procedure's settlement catch-up. A symbol whose quote can't
// be fetched keeps no entry (Position Manager's Settle then skips that
// position's daily snapshot entirely rather than falling back to a stale
// price), and a missing benchmark quote is reported via the returned bool
// so the caller skips the benchmark row instead of recording a bogus one.
// Both cases are logged at WARNING here.
func collectClosePrices(sess *session.Session, t time.Time, benchmarkSymbol string) (closePrices map[string]float64, benchmarkClose float64, benchmarkOk bool) {
	closePrices = make(map[string]float64)

	for _, p := range sess.Positions().All() {
		if _, ok := closePrices[p.Symbol]; ok {
			continue
		}

		quote, err := sess.DataProvider().GetCurrentPrice(p.Symbol, t)
		if err != nil {
			sess.Logger().Warn("settlement price lookup failed, skipping daily snapshot",
				zap.String("symbol", p.Symbol), zap.Error(err))

			continue
		}

		q, takeErr := quote.Take()
		if takeErr != nil {
			sess.Logger().Warn("no settlement price available, skipping daily snapshot",
				zap.String("symbol", p.Symbol))

			continue
		}

		closePrices[p.Symbol] = q.CurrentPrice
	}

	quote, err := sess.DataProvider().GetCurrentPrice(benchmarkSymbol, t)
	if err != nil {
		sess.Logger().Warn("benchmark price lookup failed, skipping benchmark row",
			zap.String("symbol", benchmarkSymbol), zap.Error(err))

		return closePrices, 0, false
	}

	q, takeErr := quote.Take()
	if takeErr != nil {
		sess.Logger().Warn("no benchmark price available, skipping benchmark row",
			zap.String("symbol", benchmarkSymbol))

		return closePrices, 0, false
	}

	return closePrices, q.CurrentPrice, true
}
