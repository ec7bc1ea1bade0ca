package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Timestamp is a count of milliseconds since the Unix epoch.
type Timestamp uint64

// Interval is a duration expressed in milliseconds.
type Interval uint64

// Named interval constants. Month and Year are nominal (30d / 365d) and are
// meant for bucket-width arithmetic, not calendar-accurate stepping.
const (
	Second Interval = 1000
	Minute          = 60 * Second
	Hour            = 60 * Minute
	Day             = 24 * Hour
	Week            = 7 * Day
	Month           = 30 * Day
	Year            = 365 * Day
)

// weekEpochOffsetMs aligns week boundaries to Thursday 1970-01-01T00:00:00Z
// (the Unix epoch, not the Monday-based ISO week) so weekly candle boundaries
// are stable across restarts regardless of when the process happens to start.
const weekEpochOffsetMs = 0

var intervalComponent = regexp.MustCompile(`(\d+)(ms|y|M|w|d|h|m|s)`)

// ParseInterval parses strings of the form "(\d+(y|M|w|d|h|m|s|ms))+", e.g. "1h30m".
func ParseInterval(s string) (Interval, error) {
	if s == "" {
		return 0, fmt.Errorf("model: empty interval string")
	}
	matches := intervalComponent.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return 0, fmt.Errorf("model: invalid interval %q", s)
	}
	var consumed int
	var total Interval
	for _, m := range matches {
		consumed += len(m[0])
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("model: invalid interval component %q: %w", m[0], err)
		}
		unit, ok := intervalUnit(m[2])
		if !ok {
			return 0, fmt.Errorf("model: unknown interval unit %q", m[2])
		}
		total += Interval(n) * unit
	}
	if consumed != len(s) {
		return 0, fmt.Errorf("model: invalid interval %q", s)
	}
	return total, nil
}

func intervalUnit(tag string) (Interval, bool) {
	switch tag {
	case "ms":
		return 1, true
	case "s":
		return Second, true
	case "m":
		return Minute, true
	case "h":
		return Hour, true
	case "d":
		return Day, true
	case "w":
		return Week, true
	case "M":
		return Month, true
	case "y":
		return Year, true
	default:
		return 0, false
	}
}

// String formats the interval back into its canonical "1h30m"-style form,
// emitting components from largest to smallest for any remainder.
func (iv Interval) String() string {
	if iv == 0 {
		return "0ms"
	}
	order := []struct {
		unit Interval
		tag  string
	}{
		{Year, "y"}, {Month, "M"}, {Week, "w"}, {Day, "d"},
		{Hour, "h"}, {Minute, "m"}, {Second, "s"}, {1, "ms"},
	}
	remaining := iv
	var b strings.Builder
	for _, o := range order {
		if remaining >= o.unit {
			n := remaining / o.unit
			remaining -= n * o.unit
			fmt.Fprintf(&b, "%d%s", n, o.tag)
		}
	}
	return b.String()
}

// Millis returns the interval length in milliseconds.
func (iv Interval) Millis() uint64 {
	return uint64(iv)
}

// Now is intentionally not provided here: callers pass in timestamps so the
// core stays deterministic and testable (see position/strategy tests).

// Add returns ts + iv.
func (ts Timestamp) Add(iv Interval) Timestamp {
	return ts + Timestamp(iv)
}

// Sub returns ts - iv (saturating at 0).
func (ts Timestamp) Sub(iv Interval) Timestamp {
	if uint64(iv) > uint64(ts) {
		return 0
	}
	return ts - Timestamp(iv)
}

// Diff returns the absolute millisecond difference between ts and other;
// callers compare with other methods for sign-sensitive logic.
func (ts Timestamp) Diff(other Timestamp) Interval {
	if ts >= other {
		return Interval(ts - other)
	}
	return Interval(other - ts)
}

// FloorToMultiple aligns ts down to the nearest multiple of iv. Week alignment
// is offset so week boundaries remain stable regardless of the interval's
// nominal start point.
func (ts Timestamp) FloorToMultiple(iv Interval) Timestamp {
	if iv == 0 {
		return ts
	}
	if iv == Week {
		shifted := uint64(ts) + weekEpochOffsetMs
		return Timestamp(shifted - shifted%uint64(Week) - weekEpochOffsetMs)
	}
	return Timestamp(uint64(ts) - uint64(ts)%uint64(iv))
}

// CeilToMultiple aligns ts up to the nearest multiple of iv.
func (ts Timestamp) CeilToMultiple(iv Interval) Timestamp {
	floor := ts.FloorToMultiple(iv)
	if floor == ts {
		return ts
	}
	return floor.Add(iv)
}
