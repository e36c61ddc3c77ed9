package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"worksite/api/internal/store"
)

func TestRowsAndWriteCSV(t *testing.T) {
	s := store.New()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	s.SetProgress("1_manual", 40, "", now)
	s.SetUnits("2_welds", 3, 4, "", now)

	list := []store.Activity{
		{
			ExternalID: "1", Name: "manual task", IdentityKey: "1_manual",
			StartDate: "10/03/2026", EndDate: "20/03/2026",
			StatusText: "in progress", CriticalFlag: "yes",
		},
		{
			ExternalID: "2", Name: "weld set, with comma", IdentityKey: "2_welds",
			HasUnitTracking: true, TotalUnits: 4,
		},
	}

	rows := Rows(list, s, now)
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].RealPct != 40 || !rows[0].Critical {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if rows[0].ExpectedPct < 49 || rows[0].ExpectedPct > 51 {
		t.Errorf("expected pct = %d, want about 50", rows[0].ExpectedPct)
	}
	if rows[1].RealPct != 75 || rows[1].UnitsCompleted != 3 || rows[1].UnitsTotal != 4 {
		t.Fatalf("row 1 = %+v", rows[1])
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reparse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d csv lines, want header plus 2", len(records))
	}
	if records[0][0] != "id" {
		t.Errorf("header = %v", records[0])
	}
	if records[2][1] != "weld set, with comma" {
		t.Errorf("comma field not preserved: %q", records[2][1])
	}
	if !strings.Contains(strings.Join(records[1], ","), "yes") {
		t.Errorf("critical flag missing from row: %v", records[1])
	}
}

func TestRowsEmpty(t *testing.T) {
	rows := Rows(nil, store.New(), time.Now())
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "id,name,") {
		t.Errorf("header missing: %q", buf.String())
	}
}
