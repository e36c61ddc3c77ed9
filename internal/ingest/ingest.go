// Package ingest parses schedule exports pasted as tab-separated text.
// Exports arrive with arbitrary preamble rows and localized column
// headings, so the parser hunts for the header row and maps columns by
// alias instead of position.
package ingest

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"worksite/api/internal/keying"
	"worksite/api/internal/store"
)

// ErrNoHeader means no row carrying both an id and a name column was
// found in the scanned window.
var ErrNoHeader = errors.New("no header row found")

// headerScanWindow is how many leading lines are searched for the
// header row.
const headerScanWindow = 20

// Result is everything one import produced. Progress and Units are
// seed values keyed by identity key; Skipped counts rows dropped for
// missing an id or name.
type Result struct {
	Activities []store.Activity
	Progress   map[string]int
	Units      map[string]store.UnitCount
	Skipped    int
}

type columns struct {
	id, name, summary, start, end       int
	duration, progress, status          int
	critical, routine, observation      int
	totalUnits, completedUnits          int
}

var columnAliases = map[string][]string{
	"id":             {"id", "code", "task_id", "activity_id"},
	"name":           {"name", "activity", "activity_name", "task", "task_name", "description"},
	"summary":        {"summary"},
	"start":          {"start", "start_date", "begin"},
	"end":            {"end", "end_date", "finish", "finish_date"},
	"duration":       {"duration", "calendar", "hours"},
	"progress":       {"progress", "percent", "percent_complete", "pct", "physical_progress"},
	"status":         {"status", "status_text"},
	"critical":       {"critical", "critical_path"},
	"routine":        {"routine"},
	"observation":    {"observation", "obs", "notes", "remarks"},
	"totalUnits":     {"welds", "total_welds", "weld_count", "qty_welds", "joints"},
	"completedUnits": {"welds_done", "welds_ok", "completed_welds", "joints_done"},
}

var unitsInName = regexp.MustCompile(`(?i)\((\d+)\s*(?:WELDS?|SOLDAS?|JOINTS?)\)`)
var dayMonthYear = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{2,4})$`)

// Parse reads a whole pasted export. It fails only when no header row
// can be located; individual bad rows are skipped and counted.
func Parse(text string) (Result, error) {
	res := Result{
		Progress: make(map[string]int),
		Units:    make(map[string]store.UnitCount),
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	cols, headerIdx := findHeader(lines)
	if headerIdx < 0 {
		return res, ErrNoHeader
	}

	for _, line := range lines[headerIdx+1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cells := strings.Split(line, "\t")
		id := strings.TrimSpace(cell(cells, cols.id))
		name := strings.TrimSpace(cell(cells, cols.name))
		if id == "" || name == "" {
			res.Skipped++
			continue
		}

		a := store.Activity{
			ExternalID:    id,
			Name:          name,
			IdentityKey:   keying.Derive(id, name),
			SummaryFlag:   parseFlag(cell(cells, cols.summary)),
			StartDate:     normalizeDate(cell(cells, cols.start)),
			EndDate:       normalizeDate(cell(cells, cols.end)),
			DurationLabel: strings.TrimSpace(cell(cells, cols.duration)),
			StatusText:    strings.TrimSpace(cell(cells, cols.status)),
			CriticalFlag:  parseFlag(cell(cells, cols.critical)),
			RoutineFlag:   parseFlag(cell(cells, cols.routine)),
			Observation:   strings.TrimSpace(cell(cells, cols.observation)),
		}

		total := parseCount(cell(cells, cols.totalUnits))
		if total == 0 {
			if m := unitsInName.FindStringSubmatch(name); m != nil {
				total, _ = strconv.Atoi(m[1])
			}
		}
		if total > 0 {
			a.HasUnitTracking = true
			a.TotalUnits = total
		}

		pct, hasPct := parsePercent(cell(cells, cols.progress))

		if a.HasUnitTracking {
			done := parseCount(cell(cells, cols.completedUnits))
			if done == 0 && hasPct && pct > 0 {
				done = int(math.Round(float64(a.TotalUnits) * float64(pct) / 100))
			}
			if done > a.TotalUnits {
				done = a.TotalUnits
			}
			if _, seen := res.Units[a.IdentityKey]; !seen {
				res.Units[a.IdentityKey] = store.UnitCount{Completed: done, Total: a.TotalUnits}
			}
		} else if hasPct && pct > 0 {
			if _, seen := res.Progress[a.IdentityKey]; !seen {
				res.Progress[a.IdentityKey] = pct
			}
		}

		res.Activities = append(res.Activities, a)
	}
	return res, nil
}

func findHeader(lines []string) (columns, int) {
	limit := len(lines)
	if limit > headerScanWindow {
		limit = headerScanWindow
	}
	for i := 0; i < limit; i++ {
		cols, ok := mapColumns(strings.Split(lines[i], "\t"))
		if ok {
			return cols, i
		}
	}
	return columns{}, -1
}

func mapColumns(cells []string) (columns, bool) {
	cols := columns{
		id: -1, name: -1, summary: -1, start: -1, end: -1,
		duration: -1, progress: -1, status: -1,
		critical: -1, routine: -1, observation: -1,
		totalUnits: -1, completedUnits: -1,
	}
	targets := map[string]*int{
		"id": &cols.id, "name": &cols.name, "summary": &cols.summary,
		"start": &cols.start, "end": &cols.end, "duration": &cols.duration,
		"progress": &cols.progress, "status": &cols.status,
		"critical": &cols.critical, "routine": &cols.routine,
		"observation": &cols.observation,
		"totalUnits": &cols.totalUnits, "completedUnits": &cols.completedUnits,
	}
	for idx, c := range cells {
		norm := keying.Normalize(c)
		if norm == "" {
			continue
		}
		for field, aliases := range columnAliases {
			dst := targets[field]
			if *dst >= 0 {
				continue
			}
			for _, alias := range aliases {
				if norm == alias {
					*dst = idx
					break
				}
			}
		}
	}
	return cols, cols.id >= 0 && cols.name >= 0
}

func cell(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

func parseFlag(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "sim", "s", "x", "true", "1":
		return "yes"
	}
	return ""
}

// parsePercent reads "45%", "45", "0.45" and comma-decimal variants.
// A bare fraction at or below 1 is taken as a ratio.
func parsePercent(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	hasSign := strings.Contains(s, "%")
	s = strings.ReplaceAll(s, "%", "")
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if !hasSign && v > 0 && v <= 1 {
		v *= 100
	}
	pct := int(math.Round(v))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

func parseCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// normalizeDate rewrites a d/m/y cell to zero-padded dd/mm/yyyy,
// mapping two-digit years to 2000+. Anything else passes through
// untouched.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	base := s
	if i := strings.Index(base, " - "); i >= 0 {
		base = base[:i]
	}
	m := dayMonthYear.FindStringSubmatch(strings.TrimSpace(base))
	if m == nil {
		return s
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if year < 100 {
		year += 2000
	}
	return padTwo(day) + "/" + padTwo(month) + "/" + strconv.Itoa(year)
}

func padTwo(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
