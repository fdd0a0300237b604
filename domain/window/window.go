// Package window computes accounting window boundaries for quota rules.
// All functions are deterministic - same input always produces same output.
package window

import (
	"time"

	"github.com/farebox/quotagate/domain/rule"
)

// Window is the accounting period a usage counter belongs to.
// A zero ResetAt means the counter never resets.
type Window struct {
	Start   time.Time
	ResetAt time.Time
}

// Subscription anchors lifetime windows and carries the tenant timezone
// used for calendar alignment.
type Subscription struct {
	Start    time.Time
	End      time.Time     // zero = open-ended
	TZOffset time.Duration // tenant timezone offset from UTC
}

// For computes the active accounting window for a rule at the given
// instant. Calendar windows align to clock boundaries in the tenant's
// timezone. Rolling windows are fixed-origin buckets: now truncated to
// windowSize*windowUnit granularity, resetting one bucket length after
// the bucket start. Lifetime windows span the subscription.
// This is a PURE function.
func For(r rule.FunctionRule, now time.Time, sub Subscription) Window {
	if r.WindowUnit == rule.UnitLifetime {
		return Window{Start: sub.Start.UTC(), ResetAt: sub.End.UTC()}
	}

	if r.WindowType == rule.WindowCalendar {
		return calendarWindow(r.WindowUnit, now, sub.TZOffset)
	}
	return rollingWindow(r, now)
}

// unitDuration is the bucket length of a window unit for rolling
// windows. Rolling months and weeks are fixed-length spans, not
// calendar-aligned.
func unitDuration(u rule.WindowUnit) time.Duration {
	switch u {
	case rule.UnitMinute:
		return time.Minute
	case rule.UnitHour:
		return time.Hour
	case rule.UnitDay:
		return 24 * time.Hour
	case rule.UnitWeek:
		return 7 * 24 * time.Hour
	case rule.UnitMonth:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

func rollingWindow(r rule.FunctionRule, now time.Time) Window {
	size := r.WindowSize
	if size < 1 {
		size = 1
	}
	d := time.Duration(size) * unitDuration(r.WindowUnit)
	start := now.UTC().Truncate(d)
	return Window{Start: start, ResetAt: start.Add(d)}
}

func calendarWindow(u rule.WindowUnit, now time.Time, tzOffset time.Duration) Window {
	loc := time.FixedZone("tenant", int(tzOffset/time.Second))
	local := now.In(loc)

	// time.Truncate works on absolute time; half-hour tenant offsets would
	// misalign hour buckets, so boundaries are rebuilt from local fields.
	var start, reset time.Time
	switch u {
	case rule.UnitMinute:
		start = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, loc)
		reset = start.Add(time.Minute)
	case rule.UnitHour:
		start = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
		reset = start.Add(time.Hour)
	case rule.UnitDay:
		start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		reset = start.AddDate(0, 0, 1)
	case rule.UnitWeek:
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		// ISO week: Monday is day one.
		offset := (int(midnight.Weekday()) + 6) % 7
		start = midnight.AddDate(0, 0, -offset)
		reset = start.AddDate(0, 0, 7)
	case rule.UnitMonth:
		start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		reset = start.AddDate(0, 1, 0)
	default:
		start = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
		reset = start.Add(time.Hour)
	}
	return Window{Start: start.UTC(), ResetAt: reset.UTC()}
}
