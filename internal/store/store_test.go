package store

import (
	"encoding/json"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func TestReplaceActivitiesDeduplicates(t *testing.T) {
	s := New()
	dropped := s.ReplaceActivities([]Activity{
		{ExternalID: "1", Name: "first", IdentityKey: "1_first"},
		{ExternalID: "1", Name: "First", IdentityKey: "1_first"},
		{ExternalID: "2", Name: "second", IdentityKey: "2_second"},
	})
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	list := s.Activities()
	if len(list) != 2 {
		t.Fatalf("got %d activities, want 2", len(list))
	}
	if list[0].Name != "first" {
		t.Errorf("dedupe must keep the first occurrence, got %q", list[0].Name)
	}
}

func TestUpsertReplacesByIdentityKey(t *testing.T) {
	s := New()
	if !s.Upsert(Activity{ExternalID: "1", Name: "first", IdentityKey: "1_first"}) {
		t.Fatal("first upsert should report a new record")
	}
	if s.Upsert(Activity{ExternalID: "1", Name: "first edited", IdentityKey: "1_first"}) {
		t.Fatal("second upsert under the same key should replace, not create")
	}
	list := s.Activities()
	if len(list) != 1 || list[0].Name != "first edited" {
		t.Fatalf("got %+v, want one replaced activity", list)
	}
}

func TestRemoveKeepsRecordsAndReindexes(t *testing.T) {
	s := New()
	s.ReplaceActivities([]Activity{
		{IdentityKey: "a"},
		{IdentityKey: "b"},
		{IdentityKey: "c"},
	})
	s.SetProgress("b", 40, "ana", t0)

	if !s.Remove("b") {
		t.Fatal("remove of a known key should report true")
	}
	if s.Remove("b") {
		t.Fatal("second remove should report false")
	}
	if _, ok := s.Activity("c"); !ok {
		t.Fatal("activities after the removed one must stay reachable")
	}
	if len(s.Activities()) != 2 {
		t.Fatalf("got %d activities, want 2", len(s.Activities()))
	}
	// The orphaned record resurfaces if the key ever comes back.
	if s.Progress("b") != 40 {
		t.Errorf("progress record should survive the activity removal")
	}
}

func TestSetProgressClampsAndRecordsHistory(t *testing.T) {
	s := New()
	rec, changed := s.SetProgress("k", 150, "ana", t0)
	if !changed || rec.Current != 100 {
		t.Fatalf("got current=%d changed=%v, want 100 true", rec.Current, changed)
	}
	if len(rec.History) != 1 || rec.History[0].Value != 100 {
		t.Fatalf("unexpected history %+v", rec.History)
	}

	rec, changed = s.SetProgress("k", 100, "ana", t0.Add(time.Minute))
	if changed {
		t.Fatal("setting the same value must not report a change")
	}
	if len(rec.History) != 1 {
		t.Fatalf("history grew on a no-op set: %+v", rec.History)
	}

	rec, changed = s.SetProgress("k", -10, "ana", t0.Add(2*time.Minute))
	if !changed || rec.Current != 0 {
		t.Fatalf("got current=%d changed=%v, want 0 true", rec.Current, changed)
	}
	if len(rec.History) != 2 {
		t.Fatalf("got %d history entries, want 2", len(rec.History))
	}
}

func TestSetProgressUpgradesLegacyRecord(t *testing.T) {
	s := New()
	s.ApplyProgress("k", ProgressRecord{Current: 40})

	rec, changed := s.SetProgress("k", 60, "rui", t0)
	if !changed || rec.Current != 60 {
		t.Fatalf("got current=%d changed=%v", rec.Current, changed)
	}
	if len(rec.History) != 2 || rec.History[0].Value != 40 || rec.History[1].Value != 60 {
		t.Fatalf("legacy upgrade should open history with the old value: %+v", rec.History)
	}
}

func TestSetUnitsClamps(t *testing.T) {
	s := New()
	uc, _ := s.SetUnits("k", -5, 10, "ana", t0)
	if uc.Completed != 0 {
		t.Errorf("completed = %d, want 0", uc.Completed)
	}
	uc, _ = s.SetUnits("k", 99, 10, "ana", t0)
	if uc.Completed != 10 {
		t.Errorf("completed = %d, want 10", uc.Completed)
	}
	if _, changed := s.SetUnits("k", 10, 10, "ana", t0); changed {
		t.Error("no-op set must not report a change")
	}
}

func TestRealProgress(t *testing.T) {
	s := New()
	manual := Activity{IdentityKey: "m"}
	tracked := Activity{IdentityKey: "w", HasUnitTracking: true, TotalUnits: 3}

	s.SetProgress("m", 37, "", t0)
	s.SetUnits("w", 2, 3, "", t0)

	if got := s.RealProgress(manual); got != 37 {
		t.Errorf("manual real progress = %d, want 37", got)
	}
	if got := s.RealProgress(tracked); got != 67 {
		t.Errorf("unit real progress = %d, want 67", got)
	}
}

func TestHealDemotesZeroTotalTracking(t *testing.T) {
	s := New()
	s.ReplaceActivities([]Activity{
		{IdentityKey: "a", HasUnitTracking: true, TotalUnits: 0},
		{IdentityKey: "b", HasUnitTracking: true, TotalUnits: 5},
	})
	s.ApplyUnits("b", UnitCount{Completed: 9, Total: 8})

	if fixed := s.Heal(); fixed != 2 {
		t.Fatalf("fixed = %d, want 2", fixed)
	}
	a, _ := s.Activity("a")
	if a.HasUnitTracking {
		t.Error("zero-total activity should be demoted to manual tracking")
	}
	uc, _ := s.Units("b")
	if uc.Completed != 5 || uc.Total != 5 {
		t.Errorf("units not reclamped: %+v", uc)
	}
}

func TestResetProgressKeepsUnitTotals(t *testing.T) {
	s := New()
	s.SetProgress("m", 80, "", t0)
	s.SetUnits("w", 4, 6, "", t0)
	s.ResetProgress()

	if s.Progress("m") != 0 {
		t.Error("progress should be cleared")
	}
	uc, _ := s.Units("w")
	if uc.Completed != 0 || uc.Total != 6 {
		t.Errorf("units after reset = %+v, want completed 0 total 6", uc)
	}
}

func TestDailyRecordUpsertClampsDayMarks(t *testing.T) {
	s := New()
	created := s.UpsertRecord(DailyRecord{
		ID:       "r1",
		Activity: "Scaffold assembly",
		Days:     map[int]DayMark{3: {PlannedPct: 140, ActualPct: -10}},
	})
	if !created {
		t.Fatal("first upsert should report a new record")
	}
	rec, ok := s.Record("r1")
	if !ok {
		t.Fatal("record not found after upsert")
	}
	if m := rec.Days[3]; m.PlannedPct != 100 || m.ActualPct != 0 {
		t.Fatalf("day marks not clamped: %+v", m)
	}

	if s.UpsertRecord(DailyRecord{ID: "r1", Activity: "Scaffold assembly, shift 2"}) {
		t.Fatal("second upsert under the same id should replace")
	}
	if list := s.Records(); len(list) != 1 || list[0].Activity != "Scaffold assembly, shift 2" {
		t.Fatalf("got %+v, want one replaced record", list)
	}
}

func TestRemoveRecordReindexes(t *testing.T) {
	s := New()
	s.ReplaceRecords([]DailyRecord{
		{ID: "r1", Activity: "one"},
		{ID: "r2", Activity: "two"},
		{ID: "r3", Activity: "three"},
	})
	if !s.RemoveRecord("r2") {
		t.Fatal("remove of a known id should report true")
	}
	if s.RemoveRecord("r2") {
		t.Fatal("second remove should report false")
	}
	if _, ok := s.Record("r3"); !ok {
		t.Fatal("records after the removed one must stay reachable")
	}
	if len(s.Records()) != 2 {
		t.Fatalf("got %d records, want 2", len(s.Records()))
	}
}

func TestProgressRecordLegacyJSON(t *testing.T) {
	var rec ProgressRecord
	if err := json.Unmarshal([]byte(`75`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Current != 75 || len(rec.History) != 0 {
		t.Fatalf("legacy decode = %+v", rec)
	}

	if err := json.Unmarshal([]byte(`{"current":30,"history":[{"value":30,"timestamp":"2026-03-10T08:00:00Z"}]}`), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Current != 30 || len(rec.History) != 1 {
		t.Fatalf("structured decode = %+v", rec)
	}
}

func TestUnitCountLegacyJSON(t *testing.T) {
	var uc UnitCount
	if err := json.Unmarshal([]byte(`4`), &uc); err != nil {
		t.Fatal(err)
	}
	if uc.Completed != 4 || uc.Total != 0 {
		t.Fatalf("legacy decode = %+v", uc)
	}
}
