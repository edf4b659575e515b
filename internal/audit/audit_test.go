package audit

import (
	"context"
	"testing"

	"prism-backend/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:", 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

// newIdleBuffer returns a buffer whose timer and size triggers never fire
// during a test, so flushing stays under the test's control.
func newIdleBuffer(t *testing.T, s *store.Store) *Buffer {
	t.Helper()
	b := NewBuffer(s, 1000, 60000)
	t.Cleanup(b.Stop)
	return b
}

func TestBufferFlushWritesBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := newIdleBuffer(t, s)

	b.Record(Event{
		Type:       "collection.create",
		Collection: "articles",
		Actor:      "7d9a7b5e-41ea-4f4e-9a6b-b20255e3e2a1",
		GroupID:    1,
		Detail:     map[string]any{"fields": 4},
	})
	b.Record(Event{Type: "field.create", Collection: "articles", Field: "title"})
	b.Flush()

	rows, err := List(ctx, s, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rows))
	}

	var create, field map[string]any
	for _, row := range rows {
		switch row["event_type"] {
		case "collection.create":
			create = row
		case "field.create":
			field = row
		}
	}
	if create == nil || field == nil {
		t.Fatalf("expected both event types, got %v", rows)
	}

	if create["id"] == "" || create["id"] == nil {
		t.Fatalf("expected a generated id, got %v", create["id"])
	}
	if create["status"] != "ok" {
		t.Fatalf("expected the status to default to ok, got %v", create["status"])
	}
	if create["actor"] != "7d9a7b5e-41ea-4f4e-9a6b-b20255e3e2a1" {
		t.Fatalf("unexpected actor %v", create["actor"])
	}
	detail, ok := create["detail"].(map[string]any)
	if !ok || detail["fields"] != float64(4) {
		t.Fatalf("expected the detail blob to decode, got %v", create["detail"])
	}

	// Events without an actor or detail store NULLs.
	if field["actor"] != nil {
		t.Fatalf("expected a NULL actor, got %v", field["actor"])
	}
	if field["detail"] != nil {
		t.Fatalf("expected a NULL detail, got %v", field["detail"])
	}

	// A second flush with nothing pending is a no-op.
	b.Flush()
	rows, err = List(ctx, s, ListOptions{})
	if err != nil {
		t.Fatalf("list again: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected the count to stay at 2, got %d", len(rows))
	}
}

func TestStopFlushesRemainingEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := NewBuffer(s, 1000, 60000)
	b.Record(Event{Type: "collection.drop", Collection: "articles"})
	b.Stop()

	rows, err := List(ctx, s, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0]["event_type"] != "collection.drop" {
		t.Fatalf("expected the pending event to be flushed on stop, got %v", rows)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := newIdleBuffer(t, s)

	b.Record(Event{Type: "collection.create", Collection: "articles"})
	b.Record(Event{Type: "field.create", Collection: "articles", Field: "title"})
	b.Record(Event{Type: "collection.create", Collection: "users"})
	b.Flush()

	rows, err := List(ctx, s, ListOptions{Collection: "articles"})
	if err != nil {
		t.Fatalf("list by collection: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 article events, got %d", len(rows))
	}

	rows, err = List(ctx, s, ListOptions{Types: []string{"collection.create"}})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 create events, got %d", len(rows))
	}

	rows, err = List(ctx, s, ListOptions{Collection: "articles", Types: []string{"collection.create"}})
	if err != nil {
		t.Fatalf("list by both: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rows))
	}

	rows, err = List(ctx, s, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the limit to apply, got %d", len(rows))
	}
}

func TestPurgeOldEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One stale event, one recent one.
	if _, err := s.DB.ExecContext(ctx,
		"INSERT INTO _events (id, event_type, created_at) VALUES (?1, ?2, datetime('now', '-40 days'))",
		"0a861a2e-9f7b-4a2e-8c57-5a9c1a31d001", "collection.create"); err != nil {
		t.Fatalf("insert stale event: %v", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		"INSERT INTO _events (id, event_type) VALUES (?1, ?2)",
		"0a861a2e-9f7b-4a2e-8c57-5a9c1a31d002", "field.create"); err != nil {
		t.Fatalf("insert fresh event: %v", err)
	}

	PurgeOldEvents(ctx, s, 30)

	rows, err := List(ctx, s, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0]["event_type"] != "field.create" {
		t.Fatalf("expected only the fresh event to survive, got %v", rows)
	}
}
