package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"worksite/api/internal/store"
)

const notifyChannel = "worksite_changes"

const pgSchema = `
CREATE TABLE IF NOT EXISTS shared_documents (
	collection TEXT NOT NULL,
	doc_key    TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, doc_key)
);`

// PostgresStore keeps shared documents in a single jsonb table. Writes
// merge into the stored payload so concurrent writers touching
// different fields do not clobber each other, and every write raises a
// NOTIFY that subscribers turn into change events.
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

// NewPostgresStore connects to databaseURL, applies the schema and
// verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db, dsn: databaseURL}, nil
}

// upsert merge-writes one document and reports whether it was newly
// created.
func (p *PostgresStore) upsert(ctx context.Context, collection, key string, payload []byte, by string) (bool, error) {
	var inserted bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO shared_documents (collection, doc_key, payload, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (collection, doc_key) DO UPDATE
		SET payload    = shared_documents.payload || EXCLUDED.payload,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = NOW()
		RETURNING (xmax = 0)`,
		collection, key, payload, by).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", collection, key, err)
	}
	return inserted, nil
}

func (p *PostgresStore) notify(ctx context.Context, ev ChangeEvent) {
	// Payload stays small: subscribers refetch the document themselves,
	// which also keeps us under the NOTIFY size limit.
	ev.Payload = nil
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(msg)); err != nil {
		log.Printf("pg_notify %s change: %v", ev.Collection, err)
	}
}

func (p *PostgresStore) getDoc(ctx context.Context, collection, key string, v any) (bool, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM shared_documents WHERE collection = $1 AND doc_key = $2`,
		collection, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s/%s: %w", collection, key, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

func (p *PostgresStore) LoadActivities(ctx context.Context) (ActivitiesDoc, bool, error) {
	var doc ActivitiesDoc
	ok, err := p.getDoc(ctx, "activities", "activities", &doc)
	return doc, ok, err
}

func (p *PostgresStore) SaveActivities(ctx context.Context, list []store.Activity, by Identity) error {
	doc := ActivitiesDoc{Activities: list, UpdatedBy: by.Email, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode activities doc: %w", err)
	}
	// The activity list is replaced wholesale, so no merge here: the
	// payload carries every field of the document.
	if _, err := p.upsert(ctx, "activities", "activities", payload, by.Email); err != nil {
		return err
	}
	return nil
}

func (p *PostgresStore) loadCollection(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc_key, payload FROM shared_documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("load %s collection: %w", collection, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		out[key] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LoadProgress(ctx context.Context) (map[string]store.ProgressRecord, error) {
	raw, err := p.loadCollection(ctx, CollectionProgress)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.ProgressRecord, len(raw))
	for k, v := range raw {
		var rec store.ProgressRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			log.Printf("skip malformed progress record %q: %v", k, err)
			continue
		}
		out[k] = rec
	}
	return out, nil
}

func (p *PostgresStore) SaveProgress(ctx context.Context, key string, rec store.ProgressRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}
	inserted, err := p.upsert(ctx, CollectionProgress, key, payload, rec.UpdatedBy)
	if err != nil {
		return err
	}
	typ := ChangeModified
	if inserted {
		typ = ChangeAdded
	}
	p.notify(ctx, ChangeEvent{Collection: CollectionProgress, Type: typ, Key: key})
	return nil
}

func (p *PostgresStore) deleteDoc(ctx context.Context, collection, key string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM shared_documents WHERE collection = $1 AND doc_key = $2`, collection, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		p.notify(ctx, ChangeEvent{Collection: collection, Type: ChangeRemoved, Key: key})
	}
	return nil
}

func (p *PostgresStore) DeleteProgress(ctx context.Context, key string) error {
	return p.deleteDoc(ctx, CollectionProgress, key)
}

func (p *PostgresStore) LoadUnits(ctx context.Context) (map[string]store.UnitCount, error) {
	raw, err := p.loadCollection(ctx, CollectionUnits)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.UnitCount, len(raw))
	for k, v := range raw {
		var uc store.UnitCount
		if err := json.Unmarshal(v, &uc); err != nil {
			log.Printf("skip malformed unit record %q: %v", k, err)
			continue
		}
		out[k] = uc
	}
	return out, nil
}

func (p *PostgresStore) SaveUnits(ctx context.Context, key string, uc store.UnitCount) error {
	payload, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("encode unit record: %w", err)
	}
	inserted, err := p.upsert(ctx, CollectionUnits, key, payload, uc.UpdatedBy)
	if err != nil {
		return err
	}
	typ := ChangeModified
	if inserted {
		typ = ChangeAdded
	}
	p.notify(ctx, ChangeEvent{Collection: CollectionUnits, Type: typ, Key: key})
	return nil
}

func (p *PostgresStore) DeleteUnits(ctx context.Context, key string) error {
	return p.deleteDoc(ctx, CollectionUnits, key)
}

func (p *PostgresStore) LoadRecords(ctx context.Context) (RecordsDoc, bool, error) {
	var doc RecordsDoc
	ok, err := p.getDoc(ctx, CollectionRecords, "records", &doc)
	return doc, ok, err
}

func (p *PostgresStore) SaveRecords(ctx context.Context, list []store.DailyRecord, by Identity) error {
	doc := RecordsDoc{Records: list, UpdatedBy: by.Email, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode records doc: %w", err)
	}
	// Replaced wholesale like the activity list, so the merge upsert
	// always carries the full document.
	if _, err := p.upsert(ctx, CollectionRecords, "records", payload, by.Email); err != nil {
		return err
	}
	p.notify(ctx, ChangeEvent{Collection: CollectionRecords, Type: ChangeModified, Key: "records"})
	return nil
}

type pgSubscription struct {
	cancel context.CancelFunc
	events chan ChangeEvent
}

func (s *pgSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *pgSubscription) Close() error {
	s.cancel()
	return nil
}

// Subscribe opens a dedicated LISTEN connection and resolves each
// notification for the requested collection back into a full change
// event by refetching the document.
func (p *PostgresStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	conn, err := pgx.Connect(subCtx, p.dsn)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open listen connection: %w", err)
	}
	if _, err := conn.Exec(subCtx, "LISTEN "+notifyChannel); err != nil {
		conn.Close(subCtx)
		cancel()
		return nil, fmt.Errorf("listen on %s: %w", notifyChannel, err)
	}

	sub := &pgSubscription{cancel: cancel, events: make(chan ChangeEvent, 16)}
	go func() {
		defer close(sub.events)
		defer conn.Close(context.Background())
		for {
			note, err := conn.WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					log.Printf("listen %s: %v", collection, err)
				}
				return
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(note.Payload), &ev); err != nil {
				log.Printf("drop malformed change notification: %v", err)
				continue
			}
			if ev.Collection != collection {
				continue
			}
			if ev.Type != ChangeRemoved {
				var payload json.RawMessage
				ok, err := p.getDoc(subCtx, ev.Collection, ev.Key, &payload)
				if err != nil || !ok {
					continue
				}
				ev.Payload = payload
			}
			select {
			case sub.events <- ev:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (p *PostgresStore) User(ctx context.Context, email string) (store.User, bool, error) {
	var u store.User
	ok, err := p.getDoc(ctx, "users", normalizeEmail(email), &u)
	return u, ok, err
}

func (p *PostgresStore) SaveUser(ctx context.Context, u store.User) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if _, err := p.upsert(ctx, "users", normalizeEmail(u.Email), payload, u.Email); err != nil {
		return err
	}
	return nil
}

func (p *PostgresStore) PendingUsers(ctx context.Context) ([]store.User, error) {
	raw, err := p.loadCollection(ctx, "users")
	if err != nil {
		return nil, err
	}
	var pending []store.User
	for k, v := range raw {
		var u store.User
		if err := json.Unmarshal(v, &u); err != nil {
			log.Printf("skip malformed user record %q: %v", k, err)
			continue
		}
		if !u.Approved {
			pending = append(pending, u)
		}
	}
	return pending, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error { return p.db.Close() }
