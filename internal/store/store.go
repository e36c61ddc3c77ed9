// Package store keeps the working state of a site: the activity list,
// manual progress records and weld counters, all keyed by identity key.
// It is the single source the renderers, stats and persistence layers
// read from, so every accessor copies on the way out.
package store

import (
	"math"
	"sync"
	"time"
)

type Store struct {
	mu         sync.RWMutex
	activities []Activity
	index      map[string]int
	progress   map[string]ProgressRecord
	units      map[string]UnitCount
	records    []DailyRecord
	recIndex   map[string]int
}

func New() *Store {
	return &Store{
		index:    make(map[string]int),
		progress: make(map[string]ProgressRecord),
		units:    make(map[string]UnitCount),
		recIndex: make(map[string]int),
	}
}

// ReplaceActivities swaps in a new activity list, deduplicated by
// identity key keeping the first occurrence. Returns how many
// duplicates were dropped. Progress and unit records are left alone;
// entries for keys no longer present simply stop being referenced.
func (s *Store) ReplaceActivities(list []Activity) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activities = s.activities[:0]
	s.index = make(map[string]int, len(list))
	dropped := 0
	for _, a := range list {
		if _, ok := s.index[a.IdentityKey]; ok {
			dropped++
			continue
		}
		s.index[a.IdentityKey] = len(s.activities)
		s.activities = append(s.activities, a)
	}
	return dropped
}

// Activities returns a copy of the activity list in insertion order.
func (s *Store) Activities() []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Activity, len(s.activities))
	copy(out, s.activities)
	return out
}

func (s *Store) Activity(key string) (Activity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return Activity{}, false
	}
	return s.activities[i], true
}

// UpdateActivity applies fn to the activity under key. Returns false
// when the key is unknown.
func (s *Store) UpdateActivity(key string, fn func(*Activity)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return false
	}
	fn(&s.activities[i])
	return true
}

// Upsert inserts or replaces the single activity under its identity
// key. Returns true when a new record was created.
func (s *Store) Upsert(a Activity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[a.IdentityKey]; ok {
		s.activities[i] = a
		return false
	}
	s.index[a.IdentityKey] = len(s.activities)
	s.activities = append(s.activities, a)
	return true
}

// Remove drops the activity under key. Like ReplaceActivities it
// leaves progress and unit records alone: they stop being referenced
// and come back if the same key is ever imported again.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return false
	}
	s.activities = append(s.activities[:i], s.activities[i+1:]...)
	delete(s.index, key)
	for j := i; j < len(s.activities); j++ {
		s.index[s.activities[j].IdentityKey] = j
	}
	return true
}

// SetProgress moves the manual progress of key to value, clamped to
// [0,100]. A missing or legacy record is upgraded in place: its history
// starts with the old value when that value was nonzero. History gains
// an entry only when the value actually changes, so repeating a value
// appends nothing. Returns the stored record and whether it changed.
func (s *Store) SetProgress(key string, value int, by string, now time.Time) (ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.progress[key]
	old := rec.Current
	if rec.History == nil {
		rec.History = []ProgressMark{}
		if old > 0 {
			rec.History = append(rec.History, ProgressMark{Value: old, Timestamp: now})
		}
	}
	next := clamp(value, 0, 100)
	if next == old {
		s.progress[key] = rec
		return rec, false
	}
	rec.Current = next
	rec.History = append(rec.History, ProgressMark{Value: next, Timestamp: now})
	rec.UpdatedBy = by
	rec.UpdatedAt = now
	s.progress[key] = rec
	return rec, true
}

// SeedProgress installs a value coming from an import. A fresh key gets
// a record whose history opens with the seeded value; an existing
// record keeps its history and only has Current moved.
func (s *Store) SeedProgress(key string, value int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := clamp(value, 0, 100)
	rec, ok := s.progress[key]
	if !ok {
		s.progress[key] = ProgressRecord{
			Current: next,
			History: []ProgressMark{{Value: next, Timestamp: now}},
		}
		return
	}
	rec.Current = next
	s.progress[key] = rec
}

// Progress returns the current manual progress for key, zero when
// nothing was ever recorded.
func (s *Store) Progress(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress[key].Current
}

func (s *Store) ProgressRecord(key string) (ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.progress[key]
	return rec, ok
}

// ApplyProgress overwrites the record for key, used when a change
// arrives from the shared store and the remote copy wins.
func (s *Store) ApplyProgress(key string, rec ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[key] = rec
}

// DeleteProgress removes the record for key. Returns whether one
// existed.
func (s *Store) DeleteProgress(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.progress[key]
	delete(s.progress, key)
	return ok
}

// ReplaceProgress swaps in a whole progress map, as loaded from cache
// or remote.
func (s *Store) ReplaceProgress(m map[string]ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = make(map[string]ProgressRecord, len(m))
	for k, v := range m {
		s.progress[k] = v
	}
}

// ProgressSnapshot returns a copy of the full progress map.
func (s *Store) ProgressSnapshot() map[string]ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ProgressRecord, len(s.progress))
	for k, v := range s.progress {
		out[k] = v
	}
	return out
}

// SetUnits records completed units for key, clamped to [0,total].
// Returns the stored count and whether it changed.
func (s *Store) SetUnits(key string, completed, total int, by string, now time.Time) (UnitCount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uc := s.units[key]
	next := clamp(completed, 0, total)
	changed := next != uc.Completed || total != uc.Total
	uc.Completed = next
	uc.Total = total
	if changed {
		uc.UpdatedBy = by
		uc.UpdatedAt = now
	}
	s.units[key] = uc
	return uc, changed
}

func (s *Store) Units(key string) (UnitCount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uc, ok := s.units[key]
	return uc, ok
}

// UnitsCompleted returns the completed unit count for key, zero when
// nothing was recorded.
func (s *Store) UnitsCompleted(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[key].Completed
}

// ApplyUnits overwrites the unit count for key with a remote copy.
func (s *Store) ApplyUnits(key string, uc UnitCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[key] = uc
}

func (s *Store) DeleteUnits(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[key]
	delete(s.units, key)
	return ok
}

func (s *Store) ReplaceUnits(m map[string]UnitCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = make(map[string]UnitCount, len(m))
	for k, v := range m {
		s.units[k] = v
	}
}

func (s *Store) UnitsSnapshot() map[string]UnitCount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]UnitCount, len(s.units))
	for k, v := range s.units {
		out[k] = v
	}
	return out
}

// Records returns a copy of the daily record list in insertion order.
func (s *Store) Records() []DailyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DailyRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) Record(id string) (DailyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.recIndex[id]
	if !ok {
		return DailyRecord{}, false
	}
	return s.records[i], true
}

// UpsertRecord inserts or replaces the daily record under its id,
// clamping every day mark to [0,100]. Returns true when a new record
// was created.
func (s *Store) UpsertRecord(rec DailyRecord) bool {
	for d, m := range rec.Days {
		m.PlannedPct = clamp(m.PlannedPct, 0, 100)
		m.ActualPct = clamp(m.ActualPct, 0, 100)
		rec.Days[d] = m
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.recIndex[rec.ID]; ok {
		s.records[i] = rec
		return false
	}
	s.recIndex[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return true
}

// RemoveRecord drops the daily record under id.
func (s *Store) RemoveRecord(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.recIndex[id]
	if !ok {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.recIndex, id)
	for j := i; j < len(s.records); j++ {
		s.recIndex[s.records[j].ID] = j
	}
	return true
}

// ReplaceRecords swaps in a whole daily record list, as loaded from
// cache or remote.
func (s *Store) ReplaceRecords(list []DailyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
	s.recIndex = make(map[string]int, len(list))
	for _, rec := range list {
		if _, ok := s.recIndex[rec.ID]; ok {
			continue
		}
		s.recIndex[rec.ID] = len(s.records)
		s.records = append(s.records, rec)
	}
}

// RealProgress is the effective progress of an activity: the rounded
// unit ratio for unit-tracked activities with a positive total,
// otherwise the manual value.
func (s *Store) RealProgress(a Activity) int {
	if a.HasUnitTracking && a.TotalUnits > 0 {
		done := s.UnitsCompleted(a.IdentityKey)
		return int(math.Round(float64(done) / float64(a.TotalUnits) * 100))
	}
	return s.Progress(a.IdentityKey)
}

// ResetProgress clears every progress record and zeroes unit counters
// while keeping their totals.
func (s *Store) ResetProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = make(map[string]ProgressRecord)
	for k, uc := range s.units {
		uc.Completed = 0
		s.units[k] = uc
	}
}

// Clear drops everything: activities, progress, units and daily
// records.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = nil
	s.index = make(map[string]int)
	s.progress = make(map[string]ProgressRecord)
	s.units = make(map[string]UnitCount)
	s.records = nil
	s.recIndex = make(map[string]int)
}

// Heal repairs inconsistencies left behind by older imports: activities
// marked unit-tracked with a zero total are demoted to manual progress,
// and unit counters are reclamped to their activity's total. Returns
// the number of records it touched.
func (s *Store) Heal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fixed := 0
	for i := range s.activities {
		a := &s.activities[i]
		if a.HasUnitTracking && a.TotalUnits <= 0 {
			a.HasUnitTracking = false
			a.TotalUnits = 0
			fixed++
		}
		if a.HasUnitTracking {
			if uc, ok := s.units[a.IdentityKey]; ok {
				next := clamp(uc.Completed, 0, a.TotalUnits)
				if next != uc.Completed || uc.Total != a.TotalUnits {
					uc.Completed = next
					uc.Total = a.TotalUnits
					s.units[a.IdentityKey] = uc
					fixed++
				}
			}
		}
	}
	return fixed
}
