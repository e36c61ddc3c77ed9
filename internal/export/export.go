// Package export flattens the tracked state into spreadsheet rows for
// download. Every activity becomes one row carrying both the recorded
// and the schedule-expected progress.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"worksite/api/internal/progress"
	"worksite/api/internal/store"
)

// Source supplies effective progress values. *store.Store satisfies it.
type Source interface {
	RealProgress(a store.Activity) int
	UnitsCompleted(key string) int
}

// Row is one exported line.
type Row struct {
	ExternalID     string
	Name           string
	StartDate      string
	EndDate        string
	Status         string
	RealPct        int
	ExpectedPct    int
	Critical       bool
	Routine        bool
	UnitsCompleted int
	UnitsTotal     int
	Observation    string
}

// Rows builds the export rows in list order.
func Rows(list []store.Activity, src Source, now time.Time) []Row {
	rows := make([]Row, 0, len(list))
	for _, a := range list {
		r := Row{
			ExternalID:  a.ExternalID,
			Name:        a.Name,
			StartDate:   a.StartDate,
			EndDate:     a.EndDate,
			Status:      a.StatusText,
			RealPct:     src.RealProgress(a),
			ExpectedPct: progress.Expected(a, now),
			Critical:    a.IsCritical(),
			Routine:     a.IsRoutine(),
			Observation: a.Observation,
		}
		if a.HasUnitTracking {
			r.UnitsCompleted = src.UnitsCompleted(a.IdentityKey)
			r.UnitsTotal = a.TotalUnits
		}
		rows = append(rows, r)
	}
	return rows
}

var csvHeader = []string{
	"id", "name", "start", "end", "status",
	"real_pct", "expected_pct", "critical", "routine",
	"welds_done", "welds_total", "observation",
}

// WriteCSV streams rows as CSV with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.ExternalID,
			r.Name,
			r.StartDate,
			r.EndDate,
			r.Status,
			fmt.Sprintf("%d", r.RealPct),
			fmt.Sprintf("%d", r.ExpectedPct),
			flag(r.Critical),
			flag(r.Routine),
			fmt.Sprintf("%d", r.UnitsCompleted),
			fmt.Sprintf("%d", r.UnitsTotal),
			r.Observation,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.ExternalID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
