package strategy

import (
	"runtime/debug"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/rxtech-lab/tradecore/internal/clock"
	"github.com/rxtech-lab/tradecore/internal/logger"
	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// ABIVersion is the strategy ABI's own semantic version, embedded in state
// snapshots. CheckABICompatibility refuses to restore a blob saved by a
// core built against an incompatible (different major/minor) ABI version.
const ABIVersion = "1.0.0"

// CheckABICompatibility gates state restoration on the ABI version: major
// and minor must match; patch may differ. Either side being "main" (a
// development build) skips the check.
func CheckABICompatibility(savedVersion string) error {
	if savedVersion == "" || savedVersion == "main" || ABIVersion == "main" {
		return nil
	}

	saved, err := semver.NewVersion(savedVersion)
	if err != nil {
		return terrors.Wrapf(terrors.ErrCodeStateVersionMismatch, err, "invalid saved ABI version %q", savedVersion)
	}

	current, err := semver.NewVersion(ABIVersion)
	if err != nil {
		return terrors.Wrapf(terrors.ErrCodeStateVersionMismatch, err, "invalid current ABI version %q", ABIVersion)
	}

	if saved.Major() != current.Major() || saved.Minor() != current.Minor() {
		return terrors.Newf(terrors.ErrCodeStateVersionMismatch,
			"strategy ABI version mismatch: state was saved by %s but this core is %s", savedVersion, ABIVersion)
	}

	return nil
}

// Dispatcher invokes strategy hooks with exception isolation: any panic or
// returned error is caught, logged with a stack trace where applicable, and
// recorded in StrategyErrorToday without ever propagating to the caller. In
// SIMULATION mode it also runs the block watchdog: a hook whose wall-clock
// duration exceeds BlockThreshold sets ResyncRequested, which the scheduler
// consumes on return.
type Dispatcher struct {
	logger         *logger.Logger
	clock          clock.Clock
	blockThreshold time.Duration

	strategyErrorToday bool
	resyncRequested    bool
}

// NewDispatcher builds a Dispatcher. blockThreshold is the configured
// engine.block_threshold_seconds (default 5s); it is only consulted in
// SIMULATION mode.
func NewDispatcher(log *logger.Logger, clk clock.Clock, blockThreshold time.Duration) *Dispatcher {
	return &Dispatcher{logger: log, clock: clk, blockThreshold: blockThreshold}
}

// Invoke runs hook(ctx), isolating the caller from any panic or error it
// raises. name identifies the hook for logging (e.g. "handle_bar").
func (d *Dispatcher) Invoke(name string, hook func(*Context) error, ctx *Context) {
	start := d.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("strategy hook panicked",
				zap.String("hook", name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)

			d.strategyErrorToday = true
		}
	}()

	if err := hook(ctx); err != nil {
		d.logger.Error("strategy hook returned error", zap.String("hook", name), zap.Error(err))

		d.strategyErrorToday = true
	}

	if ctx.Mode != types.ModeSimulation || d.blockThreshold <= 0 {
		return
	}

	if elapsed := d.clock.Now().Sub(start); elapsed > d.blockThreshold {
		d.logger.Warn("strategy hook exceeded block threshold",
			zap.String("hook", name),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", d.blockThreshold),
		)

		d.resyncRequested = true
	}
}

// StrategyErrorToday reports whether any hook invoked since the last
// ResetDaily raised a panic or returned a non-nil error.
func (d *Dispatcher) StrategyErrorToday() bool {
	return d.strategyErrorToday
}

// ResetDaily clears StrategyErrorToday, called at the start of each trading
// day.
func (d *Dispatcher) ResetDaily() {
	d.strategyErrorToday = false
}

// ResyncRequested reports whether the block watchdog tripped since the last
// ConsumeResyncRequest.
func (d *Dispatcher) ResyncRequested() bool {
	return d.resyncRequested
}

// ConsumeResyncRequest reads and clears ResyncRequested in one step, as the
// scheduler does on return from a hook invocation.
func (d *Dispatcher) ConsumeResyncRequest() bool {
	requested := d.resyncRequested
	d.resyncRequested = false

	return requested
}
