// Package localcache persists the working state to an on-disk SQLite
// database. It is the synchronous tier: every mutation lands here
// before any remote write is attempted, and it is what the app falls
// back to when the shared store is unreachable or the user is signed
// out.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"worksite/api/internal/store"
)

const (
	blobActivities = "activities"
	blobProgress   = "progress"
	blobUnits      = "units"
	blobRecords    = "records"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	blob_key   TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

type Cache struct {
	db *sql.DB
}

// Open opens (creating if needed) the cache database at path and
// applies the schema.
func Open(path string) (*Cache, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Cache) put(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s blob: %w", key, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO blobs (blob_key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write %s blob: %w", key, err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string, v any) (bool, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM blobs WHERE blob_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s blob: %w", key, err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return false, fmt.Errorf("decode %s blob: %w", key, err)
	}
	return true, nil
}

func (c *Cache) SaveActivities(ctx context.Context, list []store.Activity) error {
	return c.put(ctx, blobActivities, list)
}

func (c *Cache) LoadActivities(ctx context.Context) ([]store.Activity, bool, error) {
	var list []store.Activity
	ok, err := c.get(ctx, blobActivities, &list)
	return list, ok, err
}

func (c *Cache) SaveProgress(ctx context.Context, m map[string]store.ProgressRecord) error {
	return c.put(ctx, blobProgress, m)
}

func (c *Cache) LoadProgress(ctx context.Context) (map[string]store.ProgressRecord, error) {
	m := make(map[string]store.ProgressRecord)
	if _, err := c.get(ctx, blobProgress, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Cache) SaveUnits(ctx context.Context, m map[string]store.UnitCount) error {
	return c.put(ctx, blobUnits, m)
}

func (c *Cache) LoadUnits(ctx context.Context) (map[string]store.UnitCount, error) {
	m := make(map[string]store.UnitCount)
	if _, err := c.get(ctx, blobUnits, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Cache) SaveRecords(ctx context.Context, list []store.DailyRecord) error {
	return c.put(ctx, blobRecords, list)
}

func (c *Cache) LoadRecords(ctx context.Context) ([]store.DailyRecord, error) {
	var list []store.DailyRecord
	if _, err := c.get(ctx, blobRecords, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Clear wipes every cached blob.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
