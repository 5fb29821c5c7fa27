// Package state implements the persisted state blob: Save snapshots a
// running Session to a plain, YAML-encodable Blob; Restore/Fork rebuild a
// Session from one. An in-memory DuckDB index (index.go) gives the saved
// orders and daily position snapshots a queryable SQL surface.
package state

import (
	"time"

	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/session"
	"github.com/rxtech-lab/tradecore/internal/strategy"
	"github.com/rxtech-lab/tradecore/internal/types"
)

// ContextBlob is the `context` object of the persisted state blob:
// everything needed to resume the scheduler and strategy dispatch loop, as
// opposed to the accounting data carried in the blob's other top-level
// fields.
type ContextBlob struct {
	Mode         types.Mode      `yaml:"mode" json:"mode"`
	StrategyName string          `yaml:"strategy_name" json:"strategy_name"`
	StartDate    string          `yaml:"start_date" json:"start_date"`
	EndDate      string          `yaml:"end_date" json:"end_date"`
	CurrentDT    time.Time       `yaml:"current_dt" json:"current_dt"`
	Frequency    types.Frequency `yaml:"frequency" json:"frequency"`

	// FrequencyOptions carries the frequency-dependent knobs (tick interval,
	// intraday sampling cadence) separately from the full Config, matching
	// the blob schema's explicit frequency_options key.
	FrequencyOptions map[string]any `yaml:"frequency_options" json:"frequency_options"`

	Config config.Config `yaml:"config" json:"config"`

	IntradayEquityHistory    []session.IntradayPoint `yaml:"intraday_equity_history" json:"intraday_equity_history"`
	IntradayBenchmarkHistory []session.IntradayPoint `yaml:"intraday_benchmark_history" json:"intraday_benchmark_history"`

	WasInterrupted bool `yaml:"was_interrupted" json:"was_interrupted"`
	IsRunning      bool `yaml:"is_running" json:"is_running"`

	SchedulerStateMachine map[string]any `yaml:"scheduler_state_machine" json:"scheduler_state_machine"`
	CustomSchedulePoints  []string       `yaml:"custom_schedule_points" json:"custom_schedule_points"`

	// ABIVersion is the strategy.ABIVersion this blob was saved under;
	// Restore/Fork refuse a blob saved by an incompatible core.
	ABIVersion string `yaml:"abi_version" json:"abi_version"`
}

// Blob is the full persisted state document: `{context, portfolio,
// positions[], position_snapshots[], orders[], benchmark_history[],
// benchmark_symbol, benchmark_name, benchmark_initial_value, user_data,
// timestamp}`.
type Blob struct {
	Context ContextBlob `yaml:"context" json:"context"`

	Portfolio         types.Portfolio       `yaml:"portfolio" json:"portfolio"`
	Positions         []types.Position      `yaml:"positions" json:"positions"`
	PositionSnapshots []types.DailySnapshot `yaml:"position_snapshots" json:"position_snapshots"`

	Orders       []*types.Order `yaml:"orders" json:"orders"`
	FilledOrders []types.Fill   `yaml:"filled_orders" json:"filled_orders"`

	BenchmarkHistory      []types.BenchmarkRow `yaml:"benchmark_history" json:"benchmark_history"`
	BenchmarkSymbol       string               `yaml:"benchmark_symbol" json:"benchmark_symbol"`
	BenchmarkName         string               `yaml:"benchmark_name" json:"benchmark_name"`
	BenchmarkInitialValue float64              `yaml:"benchmark_initial_value" json:"benchmark_initial_value"`

	UserData map[string]any `yaml:"user_data" json:"user_data"`

	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

// Save captures a full, encoding-agnostic snapshot of sess. at is the
// instant the snapshot is taken (the caller's clock, stamped rather than
// read internally, so callers can stamp a pause/autosave snapshot with the
// time the request arrived).
func Save(sess *session.Session, at time.Time) Blob {
	cfg := sess.Config()

	orders, filled := sess.Orders().GetAll()

	positionSnapshots := snapshotsWithLiveToday(sess)

	return Blob{
		Context: ContextBlob{
			Mode:         sess.Mode(),
			StrategyName: sess.StrategyName(),
			StartDate:    cfg.Engine.StartDate,
			EndDate:      cfg.Engine.EndDate,
			CurrentDT:    sess.CurrentTime(),
			Frequency:    cfg.Engine.Frequency,
			FrequencyOptions: map[string]any{
				"tick_interval_seconds":     cfg.Engine.TickIntervalSeconds,
				"intraday_update_frequency": cfg.Engine.IntradayUpdateFrequency,
			},
			Config:                   cfg,
			IntradayEquityHistory:    sess.IntradayEquityHistory(),
			IntradayBenchmarkHistory: sess.IntradayBenchmarkHistory(),
			WasInterrupted:           sess.WasInterrupted(),
			IsRunning:                sess.IsRunning(),
			SchedulerStateMachine:    sess.SchedulerState(),
			CustomSchedulePoints:     sess.CustomSchedulePoints(),
			ABIVersion:               strategy.ABIVersion,
		},
		Portfolio:             sess.Portfolio().Snapshot(),
		Positions:             sess.Positions().All(),
		PositionSnapshots:     positionSnapshots,
		Orders:                orders,
		FilledOrders:          filled,
		BenchmarkHistory:      sess.Benchmark().History(),
		BenchmarkSymbol:       sess.Benchmark().Symbol(),
		BenchmarkName:         sess.Benchmark().Name(),
		BenchmarkInitialValue: sess.Benchmark().InitialPrice(),
		UserData:              sess.UserData().Snapshot(),
		Timestamp:             at,
	}
}

// snapshotsWithLiveToday returns the position manager's full settlement
// history. When the snapshot is being taken intraday, before the
// configured broker-settle time, it replaces today's rows with freshly
// synthesised ones from the live position set, so a mid-day save still
// captures current holdings. Each synthesised row marks the position
// against the latest available price (falling back to the position's own
// current price when the provider has a gap at this instant).
func snapshotsWithLiveToday(sess *session.Session) []types.DailySnapshot {
	all := sess.Positions().AllDailySnapshots()

	currentDT := sess.CurrentTime()
	if currentDT.IsZero() {
		return all
	}

	settleAt, err := time.Parse("15:04:05", sess.Config().Lifecycle.Hooks.BrokerSettle)
	if err != nil {
		return all
	}

	hh, mm, ss := currentDT.Clock()
	if hh*3600+mm*60+ss >= settleAt.Hour()*3600+settleAt.Minute()*60+settleAt.Second() {
		return all
	}

	today := currentDT.Format("2006-01-02")

	var live []types.DailySnapshot
	for _, p := range sess.Positions().All() {
		if p.Quantity == 0 {
			continue
		}

		price := p.CurrentPrice
		if quote, qerr := sess.DataProvider().GetCurrentPrice(p.Symbol, currentDT); qerr == nil {
			if q, takeErr := quote.Take(); takeErr == nil {
				price = q.CurrentPrice
			}
		}

		sign := 1.0
		if p.Direction == types.DirectionShort {
			sign = -1.0
		}

		live = append(live, types.DailySnapshot{
			Date:            today,
			Symbol:          p.Symbol,
			Direction:       p.Direction,
			Quantity:        p.Quantity,
			ClosePrice:      price,
			MarketValue:     p.Quantity * price * sign,
			DailyPnL:        (price - p.LastSettlePrice) * p.Quantity * sign,
			LastSettlePrice: p.LastSettlePrice,
		})
	}

	if len(live) == 0 {
		return all
	}

	kept := make([]types.DailySnapshot, 0, len(all)+len(live))
	for _, s := range all {
		if s.Date != today {
			kept = append(kept, s)
		}
	}

	return append(kept, live...)
}
