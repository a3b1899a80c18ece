package cron

import (
	"fmt"
	"strings"
	"time"
)

// Schedule is a compiled 5-field cron expression: minute, hour,
// day-of-month, month, day-of-week (0=Sunday..6=Saturday).
type Schedule struct {
	expr    string
	minute  map[int]bool
	hour    map[int]bool
	dom     map[int]bool
	month   map[int]bool
	weekday map[int]bool
}

// String returns the original expression the schedule was parsed from.
func (s Schedule) String() string { return s.expr }

// Parse compiles a 5-field cron expression. Fields are space-separated;
// each field is a comma-joined list of *, N, N-M, */S, or N-M/S atoms.
func Parse(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := compileField(fields[0], fieldRanges[0])
	if err != nil {
		return Schedule{}, err
	}
	hour, err := compileField(fields[1], fieldRanges[1])
	if err != nil {
		return Schedule{}, err
	}
	dom, err := compileField(fields[2], fieldRanges[2])
	if err != nil {
		return Schedule{}, err
	}
	month, err := compileField(fields[3], fieldRanges[3])
	if err != nil {
		return Schedule{}, err
	}
	weekday, err := compileField(fields[4], fieldRanges[4])
	if err != nil {
		return Schedule{}, err
	}

	return Schedule{
		expr:    expr,
		minute:  minute,
		hour:    hour,
		dom:     dom,
		month:   month,
		weekday: weekday,
	}, nil
}

// maxScanDays bounds the next-fire search; no match within this horizon
// means the schedule is treated as never firing.
const maxScanDays = 366

// NextFireDate returns the first minute strictly after now that matches
// every field of the schedule, scanning minute by minute up to 366 days
// ahead. The second return value is false if no match was found in that
// horizon.
func (s Schedule) NextFireDate(now time.Time) (time.Time, bool) {
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	limit := now.AddDate(0, 0, maxScanDays)

	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}

func (s Schedule) matches(t time.Time) bool {
	return s.minute[t.Minute()] &&
		s.hour[t.Hour()] &&
		s.dom[t.Day()] &&
		s.month[int(t.Month())] &&
		s.weekday[int(t.Weekday())]
}
