package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

func testConnection(id, userID string) domain.Connection {
	return domain.Connection{
		ID:         id,
		UserID:     userID,
		Provider:   domain.ProviderGraph,
		CalendarID: "cal-" + id,
		Connected:  true,
	}
}

func TestMemoryConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetConnection(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetConnection missing: got %v, want ErrNotFound", err)
	}
	if err := m.SaveConnection(ctx, domain.Connection{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("SaveConnection empty id: got %v, want ErrInvalidInput", err)
	}

	if err := m.SaveConnection(ctx, testConnection("conn-1", "user-1")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	if err := m.SaveConnection(ctx, testConnection("conn-2", "user-1")); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}

	got, err := m.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.CalendarID != "cal-conn-1" {
		t.Fatalf("CalendarID = %q", got.CalendarID)
	}

	byUser, err := m.ListConnectionsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListConnectionsByUser: %v", err)
	}
	if len(byUser) != 2 || byUser[0].ID != "conn-1" || byUser[1].ID != "conn-2" {
		t.Fatalf("ListConnectionsByUser = %+v", byUser)
	}
}

func TestMemoryUpdateCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SaveConnection(ctx, testConnection("conn-1", "user-1")); err != nil {
		t.Fatal(err)
	}

	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := m.UpdateCursor(ctx, "conn-1", "sync=token-a", syncedAt); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	got, _ := m.GetConnection(ctx, "conn-1")
	if got.SyncCursor != "sync=token-a" {
		t.Fatalf("SyncCursor = %q", got.SyncCursor)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(syncedAt) {
		t.Fatalf("LastSyncedAt = %v", got.LastSyncedAt)
	}

	if err := m.UpdateCursor(ctx, "missing", "x", syncedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateCursor missing: got %v, want ErrNotFound", err)
	}
}

func TestMemorySoftDeleteCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SaveConnection(ctx, testConnection("conn-1", "user-1")); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := domain.Event{
		ID:              "ev-1",
		ConnectionID:    "conn-1",
		ProviderEventID: "remote-1",
		Title:           "Standup",
		Start:           now,
		End:             now.Add(30 * time.Minute),
		SyncStatus:      domain.SyncStatusSynced,
		LastSyncedAt:    now,
	}
	if err := m.UpsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	sub := domain.Subscription{
		ID:              "sub-1",
		ConnectionID:    "conn-1",
		RemoteID:        "remote-sub-1",
		NotificationURL: "https://hooks.example.com/graph",
		ClientSecret:    "secret",
		ExpiresAt:       now.Add(72 * time.Hour),
		Active:          true,
	}
	if err := m.SaveSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	deletedAt := now.Add(time.Hour)
	if err := m.SoftDeleteConnection(ctx, "conn-1", deletedAt); err != nil {
		t.Fatalf("SoftDeleteConnection: %v", err)
	}

	conn, _ := m.GetConnection(ctx, "conn-1")
	if conn.DeletedAt == nil || conn.Connected {
		t.Fatalf("connection not deactivated: %+v", conn)
	}
	active, _ := m.ListActiveConnections(ctx)
	if len(active) != 0 {
		t.Fatalf("ListActiveConnections after delete = %+v", active)
	}

	gotEv, err := m.GetEventByProviderID(ctx, "conn-1", "remote-1")
	if err != nil {
		t.Fatalf("GetEventByProviderID: %v", err)
	}
	if gotEv.SyncStatus != domain.SyncStatusDeleted || gotEv.DeletedAt == nil {
		t.Fatalf("event not cascaded: %+v", gotEv)
	}

	if _, err := m.GetActiveSubscription(ctx, "conn-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetActiveSubscription after delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryUpsertEventOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := domain.Event{
		ID:              "ev-1",
		ConnectionID:    "conn-1",
		ProviderEventID: "remote-1",
		Title:           "Before",
		Start:           now,
		End:             now.Add(time.Hour),
		Fingerprint:     "fp-1",
		SyncStatus:      domain.SyncStatusSynced,
		LastSyncedAt:    now,
	}
	if err := m.UpsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	ev.Title = "After"
	ev.Fingerprint = "fp-2"
	if err := m.UpsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	events, err := m.ListEventsByConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("want single event, got %d", len(events))
	}
	if events[0].Title != "After" || events[0].Fingerprint != "fp-2" {
		t.Fatalf("event not overwritten: %+v", events[0])
	}

	if err := m.UpsertEvent(ctx, domain.Event{ID: "bad"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("UpsertEvent without keys: got %v, want ErrInvalidInput", err)
	}
}

func TestMemorySubscriptionExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)

	save := func(id string, expires time.Time, active bool) {
		t.Helper()
		err := m.SaveSubscription(ctx, domain.Subscription{
			ID:              id,
			ConnectionID:    "conn-" + id,
			RemoteID:        "remote-" + id,
			NotificationURL: "https://hooks.example.com",
			ClientSecret:    "secret",
			ExpiresAt:       expires,
			Active:          active,
		})
		if err != nil {
			t.Fatalf("SaveSubscription %s: %v", id, err)
		}
	}
	save("soon", now.Add(6*time.Hour), true)
	save("later", now.Add(90*time.Hour), true)
	save("expired", now.Add(-time.Hour), true)
	save("inactive", now.Add(-time.Hour), false)

	expiring, err := m.ListExpiringSubscriptions(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expiring) != 2 {
		t.Fatalf("expiring = %+v", expiring)
	}
	for _, sub := range expiring {
		if sub.ID == "later" || sub.ID == "inactive" {
			t.Fatalf("unexpected subscription %q in expiring set", sub.ID)
		}
	}

	n, err := m.DeactivateExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("DeactivateExpired = %d, want 1", n)
	}
	if _, err := m.GetActiveSubscription(ctx, "conn-expired"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired subscription still active: %v", err)
	}

	got, err := m.GetSubscriptionByRemoteID(ctx, "remote-soon")
	if err != nil || got.ID != "soon" {
		t.Fatalf("GetSubscriptionByRemoteID = %+v, %v", got, err)
	}
}
