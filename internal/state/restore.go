package state

import (
	"time"

	"github.com/rxtech-lab/tradecore/internal/clock"
	"github.com/rxtech-lab/tradecore/internal/dataprovider"
	"github.com/rxtech-lab/tradecore/internal/logger"
	"github.com/rxtech-lab/tradecore/internal/session"
	"github.com/rxtech-lab/tradecore/internal/strategy"
	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Restore rebuilds a Session from blob, refusing a terminal blob
// (is_running = false) and any blob saved by an ABI-incompatible core.
func Restore(blob Blob, strat strategy.Strategy, dp dataprovider.DataProvider, clk clock.Clock, log *logger.Logger, monitor func(*session.Session)) (*session.Session, error) {
	if !blob.Context.IsRunning {
		return nil, terrors.New(terrors.ErrCodeStateTerminal, "state blob is terminal (is_running=false) and cannot be resumed")
	}

	if err := strategy.CheckABICompatibility(blob.Context.ABIVersion); err != nil {
		return nil, err
	}

	sess := session.New(blob.Context.Config, blob.Context.StrategyName, strat, dp, clk, log, monitor)

	applyBlob(sess, blob)

	return sess, nil
}

// Fork rebuilds a Session from blob as of forkDate (YYYY-MM-DD), truncating
// every history strictly before forkDate and rebuilding live positions from
// the last pre-fork daily snapshot per symbol. If strat is
// non-nil, Initialize is re-run on the forked session once it is built,
// exactly as a fresh session start would; passing nil keeps the blob's
// carried positions/cash without re-running initialize.
func Fork(blob Blob, forkDate string, strat strategy.Strategy, dp dataprovider.DataProvider, clk clock.Clock, log *logger.Logger, monitor func(*session.Session)) (*session.Session, error) {
	if !blob.Context.IsRunning {
		return nil, terrors.New(terrors.ErrCodeStateTerminal, "state blob is terminal (is_running=false) and cannot be forked")
	}

	if err := strategy.CheckABICompatibility(blob.Context.ABIVersion); err != nil {
		return nil, err
	}

	truncated := truncateBlob(blob, forkDate)

	effectiveStrat := strat
	if effectiveStrat == nil {
		effectiveStrat = strategy.BaseStrategy{}
	}

	sess := session.New(truncated.Context.Config, truncated.Context.StrategyName, effectiveStrat, dp, clk, log, monitor)
	applyBlob(sess, truncated)

	if strat != nil {
		sess.Initialize()
	}

	return sess, nil
}

// applyBlob restores every piece of sub-manager state a blob carries onto a
// freshly constructed Session.
func applyBlob(sess *session.Session, blob Blob) {
	sess.SetCurrentTime(blob.Context.CurrentDT)
	sess.SetWasInterrupted(blob.Context.WasInterrupted)
	sess.SetRunning(blob.Context.IsRunning)
	sess.SetSchedulerState(blob.Context.SchedulerStateMachine)
	sess.RestoreCustomSchedulePoints(blob.Context.CustomSchedulePoints)
	sess.RestoreIntradayHistory(blob.Context.IntradayEquityHistory, blob.Context.IntradayBenchmarkHistory)

	sess.Portfolio().Restore(blob.Portfolio)
	sess.Positions().RestorePositions(blob.Positions)
	sess.Positions().RestoreDailySnapshots(blob.PositionSnapshots)
	sess.Orders().Restore(blob.Orders, blob.FilledOrders)
	sess.Benchmark().Restore(blob.BenchmarkInitialValue, blob.BenchmarkHistory)
	sess.UserData().Restore(blob.UserData)
}

// truncateBlob returns a copy of blob with every date-keyed history
// truncated to strictly before forkDate, and live positions rebuilt from
// each symbol's last pre-fork daily snapshot: close price becomes both the
// new average cost and the last settle price, today's open quantity resets
// to zero, and the full quantity becomes immediately available. A fork
// starts a fresh trading day as of forkDate with no intraday state left
// over from the original run.
func truncateBlob(blob Blob, forkDate string) Blob {
	out := blob

	out.Portfolio.History = filterBefore(blob.Portfolio.History, forkDate, func(h types.PortfolioSnapshot) string { return h.Date })

	out.PositionSnapshots = filterBefore(blob.PositionSnapshots, forkDate, func(s types.DailySnapshot) string { return s.Date })

	out.BenchmarkHistory = filterBefore(blob.BenchmarkHistory, forkDate, func(r types.BenchmarkRow) string { return r.Date })

	var keptOrders []*types.Order
	for _, o := range blob.Orders {
		if o.CreatedBarTime.Format("2006-01-02") < forkDate {
			keptOrders = append(keptOrders, o)
		}
	}
	out.Orders = keptOrders

	var keptFills []types.Fill
	for _, f := range blob.FilledOrders {
		if f.Time.Format("2006-01-02") < forkDate {
			keptFills = append(keptFills, f)
		}
	}
	out.FilledOrders = keptFills

	out.Positions = rebuildPositions(out.PositionSnapshots, blob.Context.Config.Account.TradingRule, blob.Context.Config.Account.ShortMarginRate)

	out.Context.IntradayEquityHistory = nil
	out.Context.IntradayBenchmarkHistory = nil

	return out
}

// filterBefore keeps only the rows whose date key is strictly before
// cutoff, preserving order.
func filterBefore[T any](rows []T, cutoff string, dateOf func(T) string) []T {
	var kept []T
	for _, r := range rows {
		if dateOf(r) < cutoff {
			kept = append(kept, r)
		}
	}

	return kept
}

// rebuildPositions derives the live position set from the last
// (already-truncated) daily snapshot per (symbol, direction), the fork
// rule's source of truth for post-fork live state. MarginRate/TradingRule
// are re-derived from the forked session's own account configuration
// rather than carried from the original blob, matching how the Position
// Manager itself stamps every position it creates.
func rebuildPositions(snapshots []types.DailySnapshot, tradingRule types.TradingRule, shortMarginRate float64) []types.Position {
	last := make(map[types.PositionKey]types.DailySnapshot)
	for _, s := range snapshots {
		key := types.PositionKey{Symbol: s.Symbol, Direction: s.Direction}
		if prior, ok := last[key]; !ok || s.Date > prior.Date {
			last[key] = s
		}
	}

	var positions []types.Position
	for key, snap := range last {
		if snap.Quantity == 0 {
			continue
		}

		asOf, err := time.Parse("2006-01-02", snap.Date)
		if err != nil {
			asOf = time.Time{}
		}

		marginRate := 0.0
		if key.Direction == types.DirectionShort {
			marginRate = shortMarginRate
		}

		positions = append(positions, types.Position{
			Symbol:            key.Symbol,
			Direction:         key.Direction,
			Quantity:          snap.Quantity,
			AvgCost:           snap.ClosePrice,
			CurrentPrice:      snap.ClosePrice,
			InitialTime:       asOf,
			LastUpdateTime:    asOf,
			LastSettlePrice:   snap.ClosePrice,
			MarginRate:        marginRate,
			TradingRule:       tradingRule,
			TodayOpenQuantity: 0,
			AvailableQuantity: snap.Quantity,
		})
	}

	return positions
}
