// Package scheduler drives the event loop: schedule-point construction
// shared by both modes, the deterministic BacktestScheduler, the
// real-clock-driven SimulationScheduler, and the resync procedure.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rxtech-lab/tradecore/internal/config"
	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// ClockPoint is one time-of-day schedule point, parsed from an HH:MM:SS
// string. time.Parse rejects malformed clock strings; the parsed point is
// then also checked as a standard five-field daily cron trigger
// (minute/hour; cron's standard parser is minute-granular, so seconds ride
// alongside).
type ClockPoint struct {
	HHMMSS string

	hour   int
	minute int
	second int
}

// ParseClockPoint parses an HH:MM:SS string into a ClockPoint, rejecting
// anything that isn't a valid 24-hour clock time.
func ParseClockPoint(hhmmss string) (ClockPoint, error) {
	t, err := time.Parse("15:04:05", hhmmss)
	if err != nil {
		return ClockPoint{}, terrors.Wrapf(terrors.ErrCodeInvalidConfiguration, err, "invalid schedule point %q", hhmmss)
	}

	spec := fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
	if _, err := cron.ParseStandard(spec); err != nil {
		return ClockPoint{}, terrors.Wrapf(terrors.ErrCodeInvalidConfiguration, err, "schedule point %q is not expressible as a daily cron trigger", hhmmss)
	}

	return ClockPoint{HHMMSS: hhmmss, hour: t.Hour(), minute: t.Minute(), second: t.Second()}, nil
}

// On returns the concrete instant of this clock point on date's calendar
// day, in date's location.
func (c ClockPoint) On(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), c.hour, c.minute, c.second, 0, date.Location())
}

// BuildSchedulePoints expands cfg's frequency into the sorted, deduplicated
// set of intraday schedule points for handle_bar, merged with any custom
// points a strategy added via add_schedule during initialize.
//
// daily:  a single point, cfg.Lifecycle.Hooks.HandleBar.
// minute: every configured trading session expanded in 60s steps.
// tick:   every configured trading session expanded in
//         cfg.Engine.TickIntervalSeconds steps.
func BuildSchedulePoints(cfg config.Config, custom []string) ([]ClockPoint, error) {
	seen := make(map[string]struct{})

	var raw []string

	add := func(hhmmss string) {
		if _, ok := seen[hhmmss]; ok {
			return
		}

		seen[hhmmss] = struct{}{}
		raw = append(raw, hhmmss)
	}

	switch cfg.Engine.Frequency {
	case types.FrequencyDaily:
		add(cfg.Lifecycle.Hooks.HandleBar)

	case types.FrequencyMinute:
		for _, session := range cfg.Lifecycle.TradingSessions {
			points, err := expandSession(session, 60)
			if err != nil {
				return nil, err
			}

			for _, p := range points {
				add(p)
			}
		}

	case types.FrequencyTick:
		step := cfg.Engine.TickIntervalSeconds
		if step <= 0 {
			step = 3
		}

		for _, session := range cfg.Lifecycle.TradingSessions {
			points, err := expandSession(session, step)
			if err != nil {
				return nil, err
			}

			for _, p := range points {
				add(p)
			}
		}

	default:
		return nil, terrors.Newf(terrors.ErrCodeInvalidConfiguration, "unrecognised engine.frequency %q", cfg.Engine.Frequency)
	}

	for _, c := range custom {
		add(c)
	}

	sort.Strings(raw)

	out := make([]ClockPoint, 0, len(raw))

	for _, hhmmss := range raw {
		cp, err := ParseClockPoint(hhmmss)
		if err != nil {
			return nil, err
		}

		out = append(out, cp)
	}

	return out, nil
}

// expandSession generates every HH:MM:SS point in [start, end] stepped by
// stepSeconds, inclusive of both ends.
func expandSession(session config.SessionRange, stepSeconds int) ([]string, error) {
	start, err := time.Parse("15:04:05", session.Start)
	if err != nil {
		return nil, terrors.Wrapf(terrors.ErrCodeInvalidConfiguration, err, "invalid trading session start %q", session.Start)
	}

	end, err := time.Parse("15:04:05", session.End)
	if err != nil {
		return nil, terrors.Wrapf(terrors.ErrCodeInvalidConfiguration, err, "invalid trading session end %q", session.End)
	}

	var points []string

	for t := start; !t.After(end); t = t.Add(time.Duration(stepSeconds) * time.Second) {
		points = append(points, t.Format("15:04:05"))
	}

	return points, nil
}
