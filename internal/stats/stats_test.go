package stats

import (
	"testing"
	"time"

	"worksite/api/internal/store"
)

func makeSource(t *testing.T, values map[string]int) *store.Store {
	t.Helper()
	s := store.New()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for k, v := range values {
		s.SetProgress(k, v, "", now)
	}
	return s
}

func TestSectionStats(t *testing.T) {
	list := []store.Activity{
		{IdentityKey: "a"}, {IdentityKey: "b"}, {IdentityKey: "c"},
	}
	src := makeSource(t, map[string]int{"a": 100, "b": 50, "c": 0})

	got := Section(list, src)
	if got.Count != 3 || got.Completed != 1 || got.AveragePct != 50 {
		t.Fatalf("section stats = %+v", got)
	}
}

func TestSectionStatsEmpty(t *testing.T) {
	src := store.New()
	if got := Section(nil, src); got != (SectionStats{}) {
		t.Fatalf("empty section stats = %+v", got)
	}
}

func TestGlobalStats(t *testing.T) {
	list := []store.Activity{
		{IdentityKey: "a"},
		{IdentityKey: "b"},
		{IdentityKey: "c", CriticalFlag: "yes"},
		{IdentityKey: "d"},
	}
	src := makeSource(t, map[string]int{"a": 0, "b": 50, "c": 100, "d": 100})

	got := Global(list, src)
	if got.Total != 4 || got.Completed != 2 || got.Critical != 1 {
		t.Fatalf("global stats = %+v", got)
	}
	// mean of 0,50,100,100 is 62.5, rounded up.
	if got.OverallPct != 63 {
		t.Errorf("overall = %d, want 63", got.OverallPct)
	}
}

func TestGlobalStatsUnits(t *testing.T) {
	list := []store.Activity{
		{IdentityKey: "w1", HasUnitTracking: true, TotalUnits: 10},
		{IdentityKey: "w2", HasUnitTracking: true, TotalUnits: 4},
		{IdentityKey: "m"},
	}
	s := store.New()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s.SetUnits("w1", 5, 10, "", now)
	s.SetUnits("w2", 4, 4, "", now)

	got := Global(list, s)
	if got.TotalUnits != 14 || got.CompletedUnits != 9 {
		t.Fatalf("unit totals = %+v", got)
	}
	if got.Completed != 1 {
		t.Errorf("completed = %d, want 1 (only the finished weld set)", got.Completed)
	}
}

func TestCurveSpansSchedule(t *testing.T) {
	list := []store.Activity{
		{IdentityKey: "a", StartDate: "10/03/2026", EndDate: "13/03/2026"},
		{IdentityKey: "b", StartDate: "11/03/2026", EndDate: "15/03/2026"},
		{IdentityKey: "broken", StartDate: "??", EndDate: "15/03/2026"},
	}
	s := store.New()
	s.SetProgress("a", 100, "", time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC))

	now := time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)
	points := Curve(list, s, now)
	if len(points) != 6 {
		t.Fatalf("got %d points, want 6 (10th through 15th)", len(points))
	}
	if !points[0].Date.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first point at %v", points[0].Date)
	}

	// Planned never decreases.
	for i := 1; i < len(points); i++ {
		if points[i].Planned < points[i-1].Planned {
			t.Errorf("planned dipped at %v: %f < %f", points[i].Date, points[i].Planned, points[i-1].Planned)
		}
	}

	// Real stops at now.
	if !points[2].HasReal {
		t.Error("point on the 12th should carry a real value")
	}
	if points[5].HasReal {
		t.Error("point on the 15th is in the future and must not carry a real value")
	}

	// History replay: on the 10th activity a was still at 0, from the
	// 11th on it contributes 100.
	if points[0].Real != 0 {
		t.Errorf("real on the 10th = %f, want 0", points[0].Real)
	}
	if points[1].Real == 0 {
		t.Error("real on the 11th should reflect the recorded progress")
	}
}

func TestCurveNoUsableDates(t *testing.T) {
	list := []store.Activity{{IdentityKey: "a", StartDate: "bad", EndDate: "worse"}}
	if points := Curve(list, store.New(), time.Now()); points != nil {
		t.Fatalf("expected nil curve, got %d points", len(points))
	}
}
