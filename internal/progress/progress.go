// Package progress computes schedule-derived progress values. Dates in
// the planning export are day/month/year strings, sometimes with a
// two-digit year or a trailing time component, and a malformed date is
// never an error at this level: expected progress just reports zero.
package progress

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"worksite/api/internal/store"
)

// ParseDate parses a d/m/yyyy date, tolerating two-digit years (mapped
// to 2000+yy) and a trailing " - hh:mm" time component.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, " - "); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("date %q: want d/m/y", s)
	}
	day, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: bad day", s)
	}
	month, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: bad month", s)
	}
	year, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: bad year", s)
	}
	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("date %q: out of range", s)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("date %q: no such day", s)
	}
	return t, nil
}

// endOfDay pushes a parsed date to the last instant of that day, so an
// activity ending "today" is not reported overdue at breakfast.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}

// Expected is the schedule position of an activity at now: 0 before the
// start date, 100 after the end date, linear in between, rounded to an
// integer. Unparseable dates yield 0.
func Expected(a store.Activity, now time.Time) int {
	start, err := ParseDate(a.StartDate)
	if err != nil {
		return 0
	}
	end, err := ParseDate(a.EndDate)
	if err != nil {
		return 0
	}
	return interpolate(start, endOfDay(end), now)
}

func interpolate(start, end, now time.Time) int {
	if now.Before(start) {
		return 0
	}
	if now.After(end) {
		return 100
	}
	total := end.Sub(start)
	if total <= 0 {
		return 100
	}
	pct := float64(now.Sub(start)) / float64(total) * 100
	return clampInt(roundInt(pct), 0, 100)
}

func roundInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
