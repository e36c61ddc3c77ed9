package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxActivities = "worksite_activities"

// Meili is the Meilisearch-backed index. It tracks backend health in
// the background so the facade can decide per query whether to use it.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the activity
// index. The client is returned even when the initial connection
// fails; the health loop picks the backend up when it appears.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxActivities,
		PrimaryKey: "key",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxActivities, err)
	}

	index := m.client.Index(idxActivities)
	searchable := []string{"name", "observation", "status", "externalId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxActivities, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search returns the identity keys of matching activities.
func (m *Meili) Search(text string, limit int) ([]string, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 200
	}

	resp, err := m.client.Index(idxActivities).Search(text, &meili.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	keys := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if key := decodeString(hit, "key"); key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexActivity adds or updates one activity in the index.
func (m *Meili) IndexActivity(rec ActivityRecord) error {
	_, err := m.client.Index(idxActivities).AddDocuments([]ActivityRecord{rec}, nil)
	return err
}

// IndexActivities bulk-indexes activities.
func (m *Meili) IndexActivities(recs []ActivityRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxActivities).AddDocuments(recs, nil)
	return err
}

// DeleteActivity removes one activity from the index.
func (m *Meili) DeleteActivity(key string) error {
	_, err := m.client.Index(idxActivities).DeleteDocument(key, nil)
	return err
}

// DeleteAll drops every indexed activity, used before a full reimport.
func (m *Meili) DeleteAll() error {
	_, err := m.client.Index(idxActivities).DeleteAllDocuments(nil)
	return err
}
