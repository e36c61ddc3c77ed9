package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Activity is one schedule row. ExternalID is the id carried over from
// the planning export and is not unique on its own; IdentityKey is,
// and every progress and weld counter is keyed by it.
type Activity struct {
	ExternalID      string `json:"id"`
	Name            string `json:"name"`
	IdentityKey     string `json:"identityKey"`
	SummaryFlag     string `json:"summary,omitempty"`
	StartDate       string `json:"startDate,omitempty"`
	EndDate         string `json:"endDate,omitempty"`
	DurationLabel   string `json:"duration,omitempty"`
	StatusText      string `json:"statusText,omitempty"`
	CriticalFlag    string `json:"critical,omitempty"`
	RoutineFlag     string `json:"routine,omitempty"`
	Observation     string `json:"observation,omitempty"`
	HasUnitTracking bool   `json:"hasUnitTracking"`
	TotalUnits      int    `json:"totalUnits,omitempty"`
}

// FlagSet reports whether a yes/no field is affirmative. Spreadsheet
// imports produce a mix of spellings, so matching is loose.
func FlagSet(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1":
		return true
	}
	return false
}

func (a Activity) IsSummary() bool  { return FlagSet(a.SummaryFlag) }
func (a Activity) IsCritical() bool { return FlagSet(a.CriticalFlag) }
func (a Activity) IsRoutine() bool  { return FlagSet(a.RoutineFlag) }

// ProgressMark is one history entry: the value an activity was moved to
// and when.
type ProgressMark struct {
	Value     int       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressRecord holds the manual progress of one activity. History is
// append-only and only grows when Current actually changes.
type ProgressRecord struct {
	Current   int            `json:"current"`
	History   []ProgressMark `json:"history"`
	UpdatedBy string         `json:"lastUpdatedBy,omitempty"`
	UpdatedAt time.Time      `json:"lastUpdatedAt,omitzero"`
}

// UnmarshalJSON accepts both the structured record and the legacy form
// where the whole record was a bare number.
func (r *ProgressRecord) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var v float64
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("legacy progress value: %w", err)
		}
		*r = ProgressRecord{Current: clamp(int(math.Round(v)), 0, 100)}
		return nil
	}
	type plain ProgressRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ProgressRecord(p)
	return nil
}

// UnitCount tracks completed work units (welds) for a unit-tracked
// activity. Total mirrors the activity's TotalUnits at write time.
type UnitCount struct {
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	UpdatedBy string    `json:"lastUpdatedBy,omitempty"`
	UpdatedAt time.Time `json:"lastUpdatedAt,omitzero"`
}

// UnmarshalJSON accepts the legacy bare-number form, which carried only
// the completed count.
func (u *UnitCount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var v float64
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("legacy unit count: %w", err)
		}
		*u = UnitCount{Completed: int(math.Round(v))}
		return nil
	}
	type plain UnitCount
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UnitCount(p)
	return nil
}

// DayMark is one day cell of a daily record: the planned and actual
// percentage for that day of the month.
type DayMark struct {
	PlannedPct int `json:"planned,omitempty"`
	ActualPct  int `json:"actual,omitempty"`
}

// DailyRecord is one row of the daily control board: a free-text work
// line tracked day by day across a month. These live next to the
// schedule but are not activities; the whole list is shared as a
// single document.
type DailyRecord struct {
	ID          string          `json:"id"`
	Activity    string          `json:"activity"`
	PermitFlag  string          `json:"permit,omitempty"`
	Shift       string          `json:"shift,omitempty"`
	Contractor  string          `json:"contractor,omitempty"`
	Requester   string          `json:"requester,omitempty"`
	Supervisor  string          `json:"supervisor,omitempty"`
	Observation string          `json:"observation,omitempty"`
	Days        map[int]DayMark `json:"days,omitempty"`
	UpdatedBy   string          `json:"lastUpdatedBy,omitempty"`
	UpdatedAt   time.Time       `json:"lastUpdatedAt,omitzero"`
}

// User is an account on the shared store. New sign-ups start
// unapproved and cannot read or write shared data until a privileged
// user approves them.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Approved     bool      `json:"approved"`
	Privileged   bool      `json:"privileged"`
	CreatedAt    time.Time `json:"createdAt"`
	ApprovedBy   string    `json:"approvedBy,omitempty"`
	ApprovedAt   time.Time `json:"approvedAt,omitzero"`
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
