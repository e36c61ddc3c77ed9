// Package remote defines the shared document store every signed-in
// site instance reads and writes. Two backends implement it: Redis
// (hashes plus pub/sub) and Postgres (jsonb documents plus
// LISTEN/NOTIFY). Both deliver change events so peers converge without
// polling.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"worksite/api/internal/store"
)

// Identity names the writer of a shared mutation.
type Identity struct {
	ID    string
	Email string
}

const (
	CollectionProgress = "progress"
	CollectionUnits    = "units"
	CollectionRecords  = "records"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is one mutation observed on a shared collection. Payload
// is empty for removals.
type ChangeEvent struct {
	Collection string          `json:"collection"`
	Type       ChangeType      `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Subscription is a live feed of change events for one collection. The
// events channel closes when the subscription is closed or its backend
// connection drops.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// ActivitiesDoc is the single shared document holding the activity
// list together with writer metadata.
type ActivitiesDoc struct {
	Activities []store.Activity `json:"activities"`
	UpdatedBy  string           `json:"lastUpdatedBy,omitempty"`
	UpdatedAt  time.Time        `json:"lastUpdatedAt,omitzero"`
}

// RecordsDoc is the single shared document holding the daily control
// board. Like the activity list it is written wholesale; change events
// carry no payload and subscribers refetch the document.
type RecordsDoc struct {
	Records   []store.DailyRecord `json:"records"`
	UpdatedBy string              `json:"lastUpdatedBy,omitempty"`
	UpdatedAt time.Time           `json:"lastUpdatedAt,omitzero"`
}

// Store is the shared persistence contract. Load methods report absence
// rather than erroring so callers can fall through to the local cache.
type Store interface {
	LoadActivities(ctx context.Context) (ActivitiesDoc, bool, error)
	SaveActivities(ctx context.Context, list []store.Activity, by Identity) error

	LoadProgress(ctx context.Context) (map[string]store.ProgressRecord, error)
	SaveProgress(ctx context.Context, key string, rec store.ProgressRecord) error
	DeleteProgress(ctx context.Context, key string) error

	LoadUnits(ctx context.Context) (map[string]store.UnitCount, error)
	SaveUnits(ctx context.Context, key string, uc store.UnitCount) error
	DeleteUnits(ctx context.Context, key string) error

	LoadRecords(ctx context.Context) (RecordsDoc, bool, error)
	SaveRecords(ctx context.Context, list []store.DailyRecord, by Identity) error

	Subscribe(ctx context.Context, collection string) (Subscription, error)

	User(ctx context.Context, email string) (store.User, bool, error)
	SaveUser(ctx context.Context, u store.User) error
	PendingUsers(ctx context.Context) ([]store.User, error)

	Ping(ctx context.Context) error
	Close() error
}
