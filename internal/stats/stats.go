// Package stats aggregates activity progress into the numbers the
// dashboard shows: per-section averages, the global card and the
// planned-versus-real curve.
package stats

import (
	"math"
	"time"

	"worksite/api/internal/progress"
	"worksite/api/internal/store"
)

// Source supplies effective progress values. *store.Store satisfies it.
type Source interface {
	RealProgress(a store.Activity) int
	UnitsCompleted(key string) int
	ProgressRecord(key string) (store.ProgressRecord, bool)
}

// SectionStats summarizes one group of activities.
type SectionStats struct {
	Count      int `json:"count"`
	Completed  int `json:"completed"`
	AveragePct int `json:"averagePct"`
}

// Section computes the rounded mean progress and completion count for
// one slice of activities. An empty slice yields zeros.
func Section(list []store.Activity, src Source) SectionStats {
	s := SectionStats{Count: len(list)}
	if len(list) == 0 {
		return s
	}
	sum := 0
	for _, a := range list {
		p := src.RealProgress(a)
		sum += p
		if p >= 100 {
			s.Completed++
		}
	}
	s.AveragePct = int(math.Round(float64(sum) / float64(len(list))))
	return s
}

// GlobalStats is the site-wide dashboard card.
type GlobalStats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Critical       int `json:"critical"`
	OverallPct     int `json:"overallPct"`
	TotalUnits     int `json:"totalUnits"`
	CompletedUnits int `json:"completedUnits"`
}

// Global aggregates the whole activity list. OverallPct is the rounded
// mean of every activity's effective progress.
func Global(list []store.Activity, src Source) GlobalStats {
	g := GlobalStats{Total: len(list)}
	if len(list) == 0 {
		return g
	}
	sum := 0
	for _, a := range list {
		p := src.RealProgress(a)
		sum += p
		if p >= 100 {
			g.Completed++
		}
		if a.IsCritical() {
			g.Critical++
		}
		if a.HasUnitTracking && a.TotalUnits > 0 {
			g.TotalUnits += a.TotalUnits
			g.CompletedUnits += src.UnitsCompleted(a.IdentityKey)
		}
	}
	g.OverallPct = int(math.Round(float64(sum) / float64(len(list))))
	return g
}

// CurvePoint is one day on the planned-versus-real chart. Real is only
// populated for days up to now.
type CurvePoint struct {
	Date    time.Time `json:"date"`
	Planned float64   `json:"planned"`
	Real    float64   `json:"real"`
	HasReal bool      `json:"hasReal"`
}

// Curve builds the daily planned-versus-real series spanning the
// earliest start date to the latest end date in list. Activities whose
// dates do not parse are skipped for the date range but still count in
// the averages. Returns nil when no activity has a usable date range.
func Curve(list []store.Activity, src Source, now time.Time) []CurvePoint {
	var minStart, maxEnd time.Time
	for _, a := range list {
		start, err1 := progress.ParseDate(a.StartDate)
		end, err2 := progress.ParseDate(a.EndDate)
		if err1 != nil || err2 != nil {
			continue
		}
		if minStart.IsZero() || start.Before(minStart) {
			minStart = start
		}
		if maxEnd.IsZero() || end.After(maxEnd) {
			maxEnd = end
		}
	}
	if minStart.IsZero() || maxEnd.Before(minStart) {
		return nil
	}

	var points []CurvePoint
	for day := minStart; !day.After(maxEnd); day = day.AddDate(0, 0, 1) {
		at := day.Add(24*time.Hour - time.Nanosecond)
		plannedSum := 0.0
		realSum := 0.0
		for _, a := range list {
			plannedSum += float64(progress.Expected(a, at))
			realSum += float64(realAt(a, src, at, now))
		}
		p := CurvePoint{
			Date:    day,
			Planned: plannedSum / float64(len(list)),
		}
		if !day.After(now) {
			p.Real = realSum / float64(len(list))
			p.HasReal = true
		}
		points = append(points, p)
	}
	return points
}

// realAt reconstructs an activity's progress at a past instant. Manual
// activities replay their history; unit-tracked activities only have a
// current ratio, which is attributed to now.
func realAt(a store.Activity, src Source, at, now time.Time) int {
	if a.HasUnitTracking && a.TotalUnits > 0 {
		if !at.Before(now) {
			return src.RealProgress(a)
		}
		return 0
	}
	rec, ok := src.ProgressRecord(a.IdentityKey)
	if !ok {
		return 0
	}
	if len(rec.History) == 0 {
		if !at.Before(now) {
			return rec.Current
		}
		return 0
	}
	val := 0
	for _, mark := range rec.History {
		if mark.Timestamp.After(at) {
			break
		}
		val = mark.Value
	}
	return val
}
