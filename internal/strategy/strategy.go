// Package strategy defines the Strategy ABI: the six lifecycle hooks user
// code implements, the session-context surface passed to each hook, and the
// exception-isolating Dispatcher that invokes them.
package strategy

import (
	"sync"
	"time"

	"github.com/moznion/go-optional"

	"github.com/rxtech-lab/tradecore/internal/clock"
	"github.com/rxtech-lab/tradecore/internal/dataprovider"
	"github.com/rxtech-lab/tradecore/internal/logger"
	"github.com/rxtech-lab/tradecore/internal/order"
	"github.com/rxtech-lab/tradecore/internal/portfolio"
	"github.com/rxtech-lab/tradecore/internal/position"
	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Strategy is the capability set a user strategy may implement. All six
// hooks are optional in practice: embed BaseStrategy to get no-op defaults
// and override only the ones a given strategy cares about.
type Strategy interface {
	Initialize(ctx *Context) error
	BeforeTrading(ctx *Context) error
	HandleBar(ctx *Context) error
	AfterTrading(ctx *Context) error
	BrokerSettle(ctx *Context) error
	OnEnd(ctx *Context) error
}

// BaseStrategy implements Strategy with no-ops, so concrete strategies only
// need to define the hooks they actually use.
type BaseStrategy struct{}

func (BaseStrategy) Initialize(*Context) error    { return nil }
func (BaseStrategy) BeforeTrading(*Context) error { return nil }
func (BaseStrategy) HandleBar(*Context) error     { return nil }
func (BaseStrategy) AfterTrading(*Context) error  { return nil }
func (BaseStrategy) BrokerSettle(*Context) error  { return nil }
func (BaseStrategy) OnEnd(*Context) error         { return nil }

// UserData is the strategy's free-form key/value scratch space, carried
// across hook invocations and through state snapshot/restore.
type UserData struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewUserData returns an empty UserData store.
func NewUserData() *UserData {
	return &UserData{data: make(map[string]any)}
}

// Set stores v under k.
func (u *UserData) Set(k string, v any) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.data[k] = v
}

// Get returns the value stored under k, or def if unset.
func (u *UserData) Get(k string, def any) any {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if v, ok := u.data[k]; ok {
		return v
	}

	return def
}

// Snapshot returns a shallow copy of the whole store, for state
// serialization.
func (u *UserData) Snapshot() map[string]any {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make(map[string]any, len(u.data))
	for k, v := range u.data {
		out[k] = v
	}

	return out
}

// Restore replaces the store wholesale, as used by the state serializer.
func (u *UserData) Restore(data map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if data == nil {
		data = make(map[string]any)
	}

	u.data = data
}

// Context is the session surface exposed to a strategy hook. It is rebuilt
// fresh by the session for every hook invocation; strategies must not retain
// it beyond the call that received it.
type Context struct {
	CurrentTime time.Time
	Mode        types.Mode
	Phase       types.MarketPhase

	Portfolio    *portfolio.Tracker
	Positions    *position.Manager
	Orders       *order.Manager
	DataProvider dataprovider.DataProvider
	Logger       *logger.Logger
	UserData     *UserData

	clk               clock.Clock
	isInitializing    bool
	addSchedule       func(hhmmss string) error
	setInitialState   func(cash float64, positions []types.Position) error
	alignAccountState func(cash float64, positions []types.Position) error
}

// NewContext builds a Context. addSchedule/setInitialState/alignAccountState
// close over the owning session's guarded state; Context only enforces the
// call-site phase rules before delegating to them.
func NewContext(
	now time.Time,
	mode types.Mode,
	phase types.MarketPhase,
	pt *portfolio.Tracker,
	pm *position.Manager,
	om *order.Manager,
	dp dataprovider.DataProvider,
	log *logger.Logger,
	userData *UserData,
	clk clock.Clock,
	isInitializing bool,
	addSchedule func(hhmmss string) error,
	setInitialState func(cash float64, positions []types.Position) error,
	alignAccountState func(cash float64, positions []types.Position) error,
) *Context {
	return &Context{
		CurrentTime:       now,
		Mode:              mode,
		Phase:             phase,
		Portfolio:         pt,
		Positions:         pm,
		Orders:            om,
		DataProvider:      dp,
		Logger:            log,
		UserData:          userData,
		clk:               clk,
		isInitializing:    isInitializing,
		addSchedule:       addSchedule,
		setInitialState:   setInitialState,
		alignAccountState: alignAccountState,
	}
}

// SubmitOrder places an order through the session's Order Manager. The sign
// of signedQty selects the side. The order's created time is the wall clock
// in SIMULATION mode and the logical time in BACKTEST mode, and is what the
// matching engine prices freshly submitted orders against; its bar time is
// always the logical time of the hook this Context was built for.
func (c *Context) SubmitOrder(symbol string, signedQty int64, orderType types.OrderType, limitPrice optional.Option[float64], name string) (*types.Order, error) {
	createdAt := c.CurrentTime
	if c.Mode == types.ModeSimulation && c.clk != nil {
		createdAt = c.clk.Now()
	}

	return c.Orders.Submit(symbol, signedQty, orderType, limitPrice, name, createdAt, c.CurrentTime)
}

// CancelOrder cancels an OPEN order by id.
func (c *Context) CancelOrder(id string) error {
	return c.Orders.Cancel(id)
}

// AddSchedule registers an additional daily schedule point (HH:MM:SS). Only
// callable from within Initialize; the session merges and deduplicates all
// added points once, at run start.
func (c *Context) AddSchedule(hhmmss string) error {
	if !c.isInitializing {
		return terrors.New(terrors.ErrCodeInvalidPhaseForAction, "add_schedule is only callable during initialize")
	}

	return c.addSchedule(hhmmss)
}

// SetInitialState seeds the portfolio cash and position set before the
// session starts trading. Only callable from within Initialize, and only
// once per session.
func (c *Context) SetInitialState(cash float64, positions []types.Position) error {
	if !c.isInitializing {
		return terrors.New(terrors.ErrCodeInvalidPhaseForAction, "set_initial_state is only callable during initialize")
	}

	return c.setInitialState(cash, positions)
}

// AlignAccountState manually overrides the cash/position set outside of
// initialization, e.g. to reconcile against an external broker. Only
// callable while the market is not in the TRADING phase.
func (c *Context) AlignAccountState(cash float64, positions []types.Position) error {
	if c.Phase == types.PhaseTrading {
		return terrors.New(terrors.ErrCodeInvalidPhaseForAction, "align_account_state is not callable while the market is TRADING")
	}

	return c.alignAccountState(cash, positions)
}
