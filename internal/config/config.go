// Package config defines the recognised configuration keys for a trading
// session, their defaults, and the YAML loading/validation/schema pipeline
// around them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// EngineConfig controls the scheduler's mode and pacing.
type EngineConfig struct {
	Mode                types.Mode      `yaml:"mode" json:"mode" jsonschema:"title=Mode,description=backtest or simulation,enum=backtest,enum=simulation"`
	StartDate           string          `yaml:"start_date" json:"start_date" jsonschema:"title=Start Date,description=Required in backtest mode (YYYY-MM-DD)"`
	EndDate             string          `yaml:"end_date" json:"end_date" jsonschema:"title=End Date,description=Required in backtest mode (YYYY-MM-DD)"`
	Frequency           types.Frequency `yaml:"frequency" json:"frequency" jsonschema:"title=Frequency,enum=daily,enum=minute,enum=tick"`
	TickIntervalSeconds int             `yaml:"tick_interval_seconds" json:"tick_interval_seconds" jsonschema:"title=Tick Interval Seconds,minimum=1"`

	EnableIntradayStatistics bool `yaml:"enable_intraday_statistics" json:"enable_intraday_statistics"`
	IntradayUpdateFrequency  int  `yaml:"intraday_update_frequency" json:"intraday_update_frequency" jsonschema:"description=Minutes between intraday statistics updates"`

	BlockThresholdSeconds int `yaml:"block_threshold_seconds" json:"block_threshold_seconds" jsonschema:"description=Wall time a single dispatch may take before resync_requested is set"`
}

// AccountConfig controls the initial portfolio and the trading-rule regime.
type AccountConfig struct {
	InitialCash     float64           `yaml:"initial_cash" json:"initial_cash" jsonschema:"minimum=0"`
	TradingRule     types.TradingRule `yaml:"trading_rule" json:"trading_rule" jsonschema:"enum=T+0,enum=T+1"`
	TradingMode     types.TradingMode `yaml:"trading_mode" json:"trading_mode" jsonschema:"enum=long_only,enum=long_short"`
	ShortMarginRate float64           `yaml:"short_margin_rate" json:"short_margin_rate" jsonschema:"minimum=0,maximum=1"`
	OrderLotSize    int64             `yaml:"order_lot_size" json:"order_lot_size" jsonschema:"minimum=1"`
}

// CommissionConfig is the per-side rate/tax commission model with a
// minimum floor.
type CommissionConfig struct {
	BuyCommission  float64 `yaml:"buy_commission" json:"buy_commission" jsonschema:"minimum=0"`
	SellCommission float64 `yaml:"sell_commission" json:"sell_commission" jsonschema:"minimum=0"`
	BuyTax         float64 `yaml:"buy_tax" json:"buy_tax" jsonschema:"minimum=0"`
	SellTax        float64 `yaml:"sell_tax" json:"sell_tax" jsonschema:"minimum=0"`
	MinCommission  float64 `yaml:"min_commission" json:"min_commission" jsonschema:"minimum=0"`
}

// SlippageConfig is a fixed-rate slippage model; Type is reserved for future
// model kinds but only "fixed" is recognised today.
type SlippageConfig struct {
	Type string  `yaml:"type" json:"type" jsonschema:"enum=fixed"`
	Rate float64 `yaml:"rate" json:"rate" jsonschema:"minimum=0"`
}

// MatchingConfig groups the matching engine's cost model.
type MatchingConfig struct {
	Commission CommissionConfig `yaml:"commission" json:"commission"`
	Slippage   SlippageConfig   `yaml:"slippage" json:"slippage"`
}

// HooksConfig is the wall-clock schedule point for each daily lifecycle hook,
// formatted HH:MM:SS.
type HooksConfig struct {
	BeforeTrading string `yaml:"before_trading" json:"before_trading"`
	AfterTrading  string `yaml:"after_trading" json:"after_trading"`
	BrokerSettle  string `yaml:"broker_settle" json:"broker_settle"`
	// HandleBar only applies when Frequency is daily; minute/tick frequencies
	// derive their own handle_bar schedule points instead.
	HandleBar string `yaml:"handle_bar" json:"handle_bar"`
}

// SessionRange is one [start, end] trading-session window, HH:MM:SS each.
type SessionRange struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// LifecycleConfig groups the hook schedule and the trading-session calendar
// used to classify MarketPhase at a given wall-clock time.
type LifecycleConfig struct {
	Hooks           HooksConfig    `yaml:"hooks" json:"hooks"`
	TradingSessions []SessionRange `yaml:"trading_sessions" json:"trading_sessions"`
}

// BenchmarkConfig names the symbol tracked for comparison against portfolio
// returns.
type BenchmarkConfig struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	Name   string `yaml:"name" json:"name"`
}

// WorkspaceConfig controls automatic state persistence cadence.
type WorkspaceConfig struct {
	AutoSaveState    bool   `yaml:"auto_save_state" json:"auto_save_state"`
	AutoSaveInterval int    `yaml:"auto_save_interval" json:"auto_save_interval" jsonschema:"description=Days between automatic snapshots"`
	AutoSaveMode     string `yaml:"auto_save_mode" json:"auto_save_mode" jsonschema:"enum=overwrite,enum=increment"`
}

// Config is the full recognised configuration surface for a trading
// session, loaded from YAML, defaulted, and validated before use.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" json:"engine" validate:"required"`
	Account   AccountConfig   `yaml:"account" json:"account" validate:"required"`
	Matching  MatchingConfig  `yaml:"matching" json:"matching"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
	Benchmark BenchmarkConfig `yaml:"benchmark" json:"benchmark"`
	Workspace WorkspaceConfig `yaml:"workspace" json:"workspace"`
}

// Default returns the configuration with every documented default applied
// and nothing else set. Callers typically Load on top of a copy of this.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Mode:                     types.ModeBacktest,
			Frequency:                types.FrequencyDaily,
			TickIntervalSeconds:      3,
			EnableIntradayStatistics: false,
			IntradayUpdateFrequency:  5,
			BlockThresholdSeconds:    5,
		},
		Account: AccountConfig{
			InitialCash:     1_000_000,
			TradingRule:     types.TradingRuleT1,
			TradingMode:     types.TradingModeLongOnly,
			ShortMarginRate: 0.2,
			OrderLotSize:    1,
		},
		Matching: MatchingConfig{
			Commission: CommissionConfig{
				BuyCommission:  0.0002,
				SellCommission: 0.0002,
				BuyTax:         0,
				SellTax:        0.001,
				MinCommission:  5,
			},
			Slippage: SlippageConfig{
				Type: "fixed",
				Rate: 0.001,
			},
		},
		Lifecycle: LifecycleConfig{
			Hooks: HooksConfig{
				BeforeTrading: "09:15:00",
				AfterTrading:  "15:05:00",
				BrokerSettle:  "15:30:00",
				HandleBar:     "14:55:00",
			},
			TradingSessions: []SessionRange{
				{Start: "09:30:00", End: "11:30:00"},
				{Start: "13:00:00", End: "15:00:00"},
			},
		},
		Workspace: WorkspaceConfig{
			AutoSaveState:    false,
			AutoSaveInterval: 1,
			AutoSaveMode:     "overwrite",
		},
	}
}

// Load reads a YAML file at path on top of Default and validates the
// result. Missing keys keep their default; present keys overwrite them.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, terrors.Wrap(terrors.ErrCodeInvalidConfiguration, "reading config file", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, terrors.Wrap(terrors.ErrCodeInvalidConfiguration, "parsing config yaml", err)
	}

	// engine.mode is accepted in either case; the typed values are upper case.
	cfg.Engine.Mode = types.Mode(strings.ToUpper(string(cfg.Engine.Mode)))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces the struct tags plus the cross-field rules the tags
// can't express (backtest date requirement, enum membership outside the
// typed enums, HH:MM:SS format of hook times and session bounds).
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return terrors.Wrap(terrors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	if c.Engine.Mode == types.ModeBacktest {
		if c.Engine.StartDate == "" || c.Engine.EndDate == "" {
			return terrors.New(terrors.ErrCodeInvalidConfiguration, "engine.start_date and engine.end_date are required in backtest mode")
		}

		if _, err := time.Parse("2006-01-02", c.Engine.StartDate); err != nil {
			return terrors.Wrap(terrors.ErrCodeInvalidConfiguration, "engine.start_date must be YYYY-MM-DD", err)
		}

		if _, err := time.Parse("2006-01-02", c.Engine.EndDate); err != nil {
			return terrors.Wrap(terrors.ErrCodeInvalidConfiguration, "engine.end_date must be YYYY-MM-DD", err)
		}
	}

	if c.Matching.Slippage.Type != "fixed" {
		return terrors.New(terrors.ErrCodeInvalidConfiguration, "matching.slippage.type: only \"fixed\" is supported")
	}

	if c.Workspace.AutoSaveMode != "overwrite" && c.Workspace.AutoSaveMode != "increment" {
		return terrors.New(terrors.ErrCodeInvalidConfiguration, "workspace.auto_save_mode must be overwrite or increment")
	}

	for _, hhmmss := range []string{
		c.Lifecycle.Hooks.BeforeTrading,
		c.Lifecycle.Hooks.AfterTrading,
		c.Lifecycle.Hooks.BrokerSettle,
		c.Lifecycle.Hooks.HandleBar,
	} {
		if hhmmss == "" {
			continue
		}
		if _, err := time.Parse("15:04:05", hhmmss); err != nil {
			return terrors.Wrap(terrors.ErrCodeInvalidConfiguration, fmt.Sprintf("invalid HH:MM:SS schedule point %q", hhmmss), err)
		}
	}

	for _, s := range c.Lifecycle.TradingSessions {
		for _, hhmmss := range []string{s.Start, s.End} {
			if _, err := time.Parse("15:04:05", hhmmss); err != nil {
				return terrors.Wrap(terrors.ErrCodeInvalidConfiguration, fmt.Sprintf("invalid trading session bound %q", hhmmss), err)
			}
		}

		if s.Start > s.End {
			return terrors.Newf(terrors.ErrCodeInvalidConfiguration, "trading session %s-%s ends before it starts", s.Start, s.End)
		}
	}

	return nil
}

// GenerateSchema reflects Config into a JSON schema document, mapping the
// domain enum types to explicit string enumerations.
func (c *Config) GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			switch {
			case strings.Contains(t.String(), "types.Mode"):
				return &jsonschema.Schema{Type: "string", Enum: []interface{}{string(types.ModeBacktest), string(types.ModeSimulation)}}
			case strings.Contains(t.String(), "types.Frequency"):
				return &jsonschema.Schema{Type: "string", Enum: []interface{}{string(types.FrequencyDaily), string(types.FrequencyMinute), string(types.FrequencyTick)}}
			case strings.Contains(t.String(), "types.TradingRule"):
				return &jsonschema.Schema{Type: "string", Enum: []interface{}{string(types.TradingRuleT0), string(types.TradingRuleT1)}}
			case strings.Contains(t.String(), "types.TradingMode"):
				return &jsonschema.Schema{Type: "string", Enum: []interface{}{string(types.TradingModeLongOnly), string(types.TradingModeLongShort)}}
			}
			return nil
		},
	}

	schema := reflector.Reflect(c)
	schema.Title = "tradecore-session-config"
	schema.Description = "Configuration schema for a tradecore trading session"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema, nil
}

// GenerateSchemaJSON renders GenerateSchema as indented JSON.
func (c *Config) GenerateSchemaJSON() (string, error) {
	schema, err := c.GenerateSchema()
	if err != nil {
		return "", err
	}

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", terrors.Wrap(terrors.ErrCodeUnknown, "marshalling config schema", err)
	}

	return string(schemaBytes), nil
}
