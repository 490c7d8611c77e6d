package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	id, err := store.Append(ctx, Event{
		EmailID:    "job-9",
		CampaignID: "c1",
		TemplateID: "t1",
		Type:       TypeSent,
		Recipient:  "user@example.com",
		Timestamp:  ts,
		Metadata:   map[string]string{"transport": "smtp"},
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := store.Query(ctx, Filter{EmailID: "job-9"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}

	e := got[0]
	if e.ID != id {
		t.Errorf("expected id %s, got %s", id, e.ID)
	}
	if e.Type != TypeSent {
		t.Errorf("expected type sent, got %s", e.Type)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, e.Timestamp)
	}
	if e.Metadata["transport"] != "smtp" {
		t.Errorf("expected metadata to survive the round trip, got %v", e.Metadata)
	}
}

func TestSQLStoreFilterByRangeAndType(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, typ := range []Type{TypeSent, TypeOpened, TypeClicked, TypeBounced} {
		_, err := store.Append(ctx, Event{
			EmailID:    "job-1",
			CampaignID: "c1",
			Type:       typ,
			Recipient:  "user@example.com",
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Query(ctx, Filter{
		From:  base,
		To:    base.Add(90 * time.Minute),
		Types: []Type{TypeSent, TypeOpened},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeSent || got[1].Type != TypeOpened {
		t.Errorf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
}
