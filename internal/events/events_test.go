package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreAppendAssignsIDAndTimestamp(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	id, err := store.Append(context.Background(), Event{
		EmailID:   "job-1",
		Type:      TypeSent,
		Recipient: "user@example.com",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated event id")
	}

	got, err := store.Query(context.Background(), Filter{EmailID: "job-1"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected a generated timestamp")
	}
}

func TestQueryFilters(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixtures := []Event{
		{EmailID: "a", CampaignID: "c1", TemplateID: "t1", Type: TypeSent, Timestamp: base},
		{EmailID: "a", CampaignID: "c1", TemplateID: "t1", Type: TypeOpened, Timestamp: base.Add(time.Hour)},
		{EmailID: "b", CampaignID: "c2", TemplateID: "t1", Type: TypeSent, Timestamp: base.Add(2 * time.Hour)},
		{EmailID: "c", CampaignID: "c2", TemplateID: "t2", Type: TypeBounced, Timestamp: base.Add(3 * time.Hour)},
	}
	for _, e := range fixtures {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"by campaign", Filter{CampaignID: "c1"}, 2},
		{"by template", Filter{TemplateID: "t1"}, 3},
		{"by type", Filter{Types: []Type{TypeSent}}, 2},
		{"by range", Filter{From: base.Add(30 * time.Minute), To: base.Add(2 * time.Hour)}, 2},
		{"campaign and type", Filter{CampaignID: "c2", Types: []Type{TypeBounced}}, 1},
		{"no match", Filter{CampaignID: "c9"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(got))
			}
		})
	}
}

func TestQueryOrdersByTimestampNotArrival(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// The engagement event arrives before the sent event it follows.
	if _, err := store.Append(ctx, Event{EmailID: "x", Type: TypeOpened, Timestamp: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, Event{EmailID: "x", Type: TypeSent, Timestamp: base}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Query(ctx, Filter{EmailID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeSent || got[1].Type != TypeOpened {
		t.Errorf("expected logical order sent, opened; got %s, %s", got[0].Type, got[1].Type)
	}
}

func TestRealtimeTracker(t *testing.T) {
	rt := NewRealtimeTracker()

	base := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	rt.nowFunc = func() time.Time { return base }

	rt.Record(TypeSent)
	rt.Record(TypeSent)
	rt.Record(TypeOpened)

	snap := rt.Snapshot()
	if snap.Counts[TypeSent] != 2 {
		t.Errorf("expected 2 sent, got %d", snap.Counts[TypeSent])
	}
	if snap.Counts[TypeOpened] != 1 {
		t.Errorf("expected 1 opened, got %d", snap.Counts[TypeOpened])
	}
	if snap.Total != 3 {
		t.Errorf("expected total 3, got %d", snap.Total)
	}
}

func TestRealtimeTrackerExpiresOldMinutes(t *testing.T) {
	rt := NewRealtimeTracker()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rt.nowFunc = func() time.Time { return base }
	rt.Record(TypeSent)

	// 61 minutes later the original bucket has left the window.
	rt.nowFunc = func() time.Time { return base.Add(61 * time.Minute) }
	rt.Record(TypeClicked)

	snap := rt.Snapshot()
	if snap.Counts[TypeSent] != 0 {
		t.Errorf("expected expired sent count 0, got %d", snap.Counts[TypeSent])
	}
	if snap.Counts[TypeClicked] != 1 {
		t.Errorf("expected 1 clicked, got %d", snap.Counts[TypeClicked])
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeSent, TypeDelivered, TypeBounced, TypeOpened, TypeClicked, TypeFailed} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if Type("unsubscribed").Valid() {
		t.Error("unknown type should be invalid")
	}
}
