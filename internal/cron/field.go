// Package cron implements a 5-field cron parser and a minute-scanning
// next-fire-date algorithm, plus a per-workflow scheduling loop. Grounded
// on the Option-pattern constructor and clock-override idiom this module's
// other components use, but the field compiler and next-fire search are
// hand-rolled rather than delegated to github.com/robfig/cron/v3:
// this module pins an exact minute-by-minute scanning algorithm with a
// 366-day cap as a directly testable property.
package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// fieldRange describes the valid integer bounds for one of the five cron
// fields, in the order minute, hour, day-of-month, month, day-of-week.
type fieldRange struct {
	min, max int
}

var fieldRanges = [5]fieldRange{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0=Sunday..6=Saturday
}

// compileField parses one comma-joined list of atoms (*, N, N-M, */S, N-M/S)
// into the set of allowed integers for that field.
func compileField(expr string, r fieldRange) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, atom := range strings.Split(expr, ",") {
		atom = strings.TrimSpace(atom)
		if atom == "" {
			return nil, fmt.Errorf("cron: empty atom in field %q", expr)
		}
		if err := compileAtom(atom, r, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("cron: field %q matches nothing", expr)
	}
	return set, nil
}

func compileAtom(atom string, r fieldRange, set map[int]bool) error {
	base, step, err := splitStep(atom)
	if err != nil {
		return err
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = r.min, r.max
	case strings.Contains(base, "-"):
		parts := strings.SplitN(base, "-", 2)
		lo, err = parseInRange(parts[0], r)
		if err != nil {
			return err
		}
		hi, err = parseInRange(parts[1], r)
		if err != nil {
			return err
		}
		if hi < lo {
			return fmt.Errorf("cron: invalid range %q (end before start)", base)
		}
	default:
		n, err := parseInRange(base, r)
		if err != nil {
			return err
		}
		lo, hi = n, n
	}

	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

// splitStep separates a "base/step" atom into its base ("*" or "N" or
// "N-M") and step (1 if absent). Non-positive steps are rejected.
func splitStep(atom string) (string, int, error) {
	if !strings.Contains(atom, "/") {
		return atom, 1, nil
	}
	parts := strings.SplitN(atom, "/", 2)
	step, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("cron: invalid step in %q: %w", atom, err)
	}
	if step <= 0 {
		return "", 0, fmt.Errorf("cron: non-positive step in %q", atom)
	}
	return parts[0], step, nil
}

func parseInRange(s string, r fieldRange) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("cron: invalid integer %q: %w", s, err)
	}
	if n < r.min || n > r.max {
		return 0, fmt.Errorf("cron: value %d out of range [%d,%d]", n, r.min, r.max)
	}
	return n, nil
}
