package localcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"worksite/api/internal/store"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestActivitiesRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if _, ok, err := c.LoadActivities(ctx); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	in := []store.Activity{
		{ExternalID: "1", Name: "weld drain", IdentityKey: "1_weld_drain", HasUnitTracking: true, TotalUnits: 3},
		{ExternalID: "2", Name: "paint", IdentityKey: "2_paint"},
	}
	if err := c.SaveActivities(ctx, in); err != nil {
		t.Fatal(err)
	}
	out, ok, err := c.LoadActivities(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(out) != 2 || out[0].IdentityKey != "1_weld_drain" || out[0].TotalUnits != 3 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestProgressAndUnitsRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	prog := map[string]store.ProgressRecord{
		"1_weld": {Current: 50, History: []store.ProgressMark{{Value: 50, Timestamp: now}}},
	}
	units := map[string]store.UnitCount{
		"1_weld": {Completed: 2, Total: 4},
	}
	if err := c.SaveProgress(ctx, prog); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveUnits(ctx, units); err != nil {
		t.Fatal(err)
	}

	p, err := c.LoadProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p["1_weld"].Current != 50 || len(p["1_weld"].History) != 1 {
		t.Fatalf("progress mismatch: %+v", p["1_weld"])
	}
	u, err := c.LoadUnits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if u["1_weld"].Completed != 2 || u["1_weld"].Total != 4 {
		t.Fatalf("units mismatch: %+v", u["1_weld"])
	}
}

func TestOverwriteAndClear(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.SaveActivities(ctx, []store.Activity{{IdentityKey: "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveActivities(ctx, []store.Activity{{IdentityKey: "b"}}); err != nil {
		t.Fatal(err)
	}
	out, _, err := c.LoadActivities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].IdentityKey != "b" {
		t.Fatalf("overwrite mismatch: %+v", out)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := c.LoadActivities(ctx); err != nil || ok {
		t.Fatalf("cache not cleared: ok=%v err=%v", ok, err)
	}
}
