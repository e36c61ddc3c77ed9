package search

import (
	"log"

	"worksite/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to
// the local substring scan.
type Service struct {
	meili *Meili
	local Local
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// MatchKeys resolves a free-text query against list and returns the
// set of matching identity keys.
func (s *Service) MatchKeys(list []store.Activity, text string) map[string]bool {
	if s.meili != nil && s.meili.Healthy() {
		keys, err := s.meili.Search(text, len(list))
		if err == nil {
			return keySet(keys)
		}
		log.Printf("search: meilisearch error, falling back to local scan: %v", err)
	}
	return keySet(s.local.Search(list, text))
}

// IndexActivity pushes one activity to Meilisearch, fire-and-forget.
func (s *Service) IndexActivity(a store.Activity) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := toRecord(a)
	go func() {
		if err := s.meili.IndexActivity(rec); err != nil {
			log.Printf("search: index activity %s: %v", rec.Key, err)
		}
	}()
}

// ReindexAll replaces the whole index with list, fire-and-forget.
func (s *Service) ReindexAll(list []store.Activity) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	recs := make([]ActivityRecord, 0, len(list))
	for _, a := range list {
		recs = append(recs, toRecord(a))
	}
	go func() {
		if err := s.meili.DeleteAll(); err != nil {
			log.Printf("search: clear index: %v", err)
		}
		if err := s.meili.IndexActivities(recs); err != nil {
			log.Printf("search: reindex activities: %v", err)
		}
	}()
}

// DeleteActivity removes one activity from the index, fire-and-forget.
func (s *Service) DeleteActivity(key string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteActivity(key); err != nil {
			log.Printf("search: delete activity %s: %v", key, err)
		}
	}()
}

func toRecord(a store.Activity) ActivityRecord {
	return ActivityRecord{
		Key:         a.IdentityKey,
		ExternalID:  a.ExternalID,
		Name:        a.Name,
		Status:      a.StatusText,
		Observation: a.Observation,
	}
}

func keySet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
