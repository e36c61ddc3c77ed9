package remote

import (
	"context"
	"os"
	"testing"
	"time"

	"worksite/api/internal/store"
)

func setupTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres integration test")
	}
	ctx := context.Background()
	ps, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}
	if _, err := ps.db.ExecContext(ctx, `DELETE FROM shared_documents`); err != nil {
		t.Fatalf("failed to reset table: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPostgresProgressRoundTrip(t *testing.T) {
	ps := setupTestPostgres(t)
	ctx := context.Background()

	rec := store.ProgressRecord{
		Current:   60,
		History:   []store.ProgressMark{{Value: 60, Timestamp: time.Now().UTC()}},
		UpdatedBy: "ana@site.test",
	}
	if err := ps.SaveProgress(ctx, "1_weld", rec); err != nil {
		t.Fatalf("SaveProgress failed: %v", err)
	}

	m, err := ps.LoadProgress(ctx)
	if err != nil {
		t.Fatalf("LoadProgress failed: %v", err)
	}
	if m["1_weld"].Current != 60 {
		t.Fatalf("unexpected record %+v", m["1_weld"])
	}
}

func TestPostgresMergeWritePreservesFields(t *testing.T) {
	ps := setupTestPostgres(t)
	ctx := context.Background()

	if _, err := ps.upsert(ctx, "users", "x@site.test", []byte(`{"id":"u1","email":"x@site.test","approved":false}`), ""); err != nil {
		t.Fatal(err)
	}
	// A partial write must merge into the stored document, not replace it.
	if _, err := ps.upsert(ctx, "users", "x@site.test", []byte(`{"approved":true}`), ""); err != nil {
		t.Fatal(err)
	}

	u, ok, err := ps.User(ctx, "x@site.test")
	if err != nil || !ok {
		t.Fatalf("User lookup: ok=%v err=%v", ok, err)
	}
	if u.ID != "u1" || !u.Approved {
		t.Fatalf("merge write lost fields: %+v", u)
	}
}

func TestPostgresSubscribeDeliversChanges(t *testing.T) {
	ps := setupTestPostgres(t)
	ctx := context.Background()

	sub, err := ps.Subscribe(ctx, CollectionUnits)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := ps.SaveUnits(ctx, "1_weld", store.UnitCount{Completed: 2, Total: 4}); err != nil {
		t.Fatalf("SaveUnits failed: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != ChangeAdded || ev.Key != "1_weld" || len(ev.Payload) == 0 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change event delivered")
	}
}
