package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/provider"
	"github.com/sevenofnine/calsync/internal/reconcile"
	"github.com/sevenofnine/calsync/internal/store"
	"github.com/sevenofnine/calsync/internal/syncer"
	"github.com/sevenofnine/calsync/internal/webhook"
)

type sweepRemote struct {
	mu      sync.Mutex
	failFor map[string]error
	renewed []string
}

func (r *sweepRemote) Create(_ context.Context, _ domain.Connection, sub domain.Subscription) (string, time.Time, error) {
	return "remote-" + sub.ID, sub.ExpiresAt, nil
}

func (r *sweepRemote) Renew(_ context.Context, _ domain.Connection, sub domain.Subscription, expiresAt time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[sub.RemoteID]; ok {
		return time.Time{}, err
	}
	r.renewed = append(r.renewed, sub.RemoteID)
	return expiresAt, nil
}

func (r *sweepRemote) Delete(context.Context, domain.Connection, domain.Subscription) error {
	return nil
}

type countingClient struct {
	mu     sync.Mutex
	synced []string
}

func (c *countingClient) Provider() domain.Provider { return domain.ProviderGraph }

func (c *countingClient) FetchPage(_ context.Context, conn domain.Connection, _ string) (provider.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = append(c.synced, conn.ID)
	return provider.Page{NextCursor: "delta-" + conn.ID}, nil
}

func (c *countingClient) ExtractMetadata(domain.ProviderEvent) map[string]any { return nil }

func newTestScheduler(t *testing.T, remote *sweepRemote, client *countingClient) (*Scheduler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sy := syncer.New(syncer.Options{
		Store:      mem,
		Registry:   provider.Registry{domain.ProviderGraph: client},
		Reconciler: reconcile.New(mem, log),
		Logger:     log,
	})
	mgr := webhook.NewManager(webhook.Options{
		Store: mem,
		Remotes: map[domain.Provider]webhook.RemoteAPI{
			domain.ProviderGraph: remote,
			domain.ProviderGCal:  remote,
		},
		Sync: sy,
		PublicURL: "https://calsync.example.com",
		Logger:    log,
	})
	s, err := New(Options{Store: mem, Manager: mgr, Syncer: sy, Logger: log})
	if err != nil {
		t.Fatal(err)
	}
	s.sleep = func(context.Context, time.Duration) bool { return true }
	return s, mem
}

func saveConnAndSub(t *testing.T, mem *store.Memory, id string, expires time.Time) {
	t.Helper()
	saveConnAndSubFor(t, mem, id, domain.ProviderGraph, expires)
}

func saveConnAndSubFor(t *testing.T, mem *store.Memory, id string, p domain.Provider, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	err := mem.SaveConnection(ctx, domain.Connection{
		ID: "conn-" + id, UserID: "user-1", Provider: p,
		CalendarID: "primary", Connected: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = mem.SaveSubscription(ctx, domain.Subscription{
		ID: "sub-" + id, ConnectionID: "conn-" + id, RemoteID: "remote-" + id,
		NotificationURL: "https://calsync.example.com/webhooks/" + string(p),
		ClientSecret:    "secret", ExpiresAt: expires, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRenewalSweepIsolatesFailures(t *testing.T) {
	remote := &sweepRemote{failFor: map[string]error{"remote-b": errors.New("upstream 503")}}
	s, mem := newTestScheduler(t, remote, &countingClient{})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	saveConnAndSub(t, mem, "a", now.Add(6*time.Hour))
	saveConnAndSub(t, mem, "b", now.Add(12*time.Hour))
	saveConnAndSub(t, mem, "c", now.Add(72*time.Hour))

	s.RenewalSweep(context.Background())

	if len(remote.renewed) != 1 || remote.renewed[0] != "remote-a" {
		t.Fatalf("renewed = %v", remote.renewed)
	}
	got, _ := mem.GetSubscription(context.Background(), "sub-a")
	if want := now.Add(4230 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Fatalf("sub-a ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
	// The failed renewal stays active for the next sweep.
	got, _ = mem.GetSubscription(context.Background(), "sub-b")
	if !got.Active {
		t.Fatal("sub-b deactivated by a transient failure")
	}
}

func TestRenewalSweepSkipsWatchChannels(t *testing.T) {
	remote := &sweepRemote{}
	s, mem := newTestScheduler(t, remote, &countingClient{})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	saveConnAndSubFor(t, mem, "a", domain.ProviderGraph, now.Add(6*time.Hour))
	saveConnAndSubFor(t, mem, "b", domain.ProviderGCal, now.Add(6*time.Hour))

	s.RenewalSweep(context.Background())

	if len(remote.renewed) != 1 || remote.renewed[0] != "remote-a" {
		t.Fatalf("renewed = %v", remote.renewed)
	}
	// The watch channel stays active until its expiry passes, then the
	// cleanup sweep retires it.
	got, _ := mem.GetSubscription(context.Background(), "sub-b")
	if !got.Active {
		t.Fatal("sub-b deactivated by the renewal sweep")
	}
}

func TestCleanupSweep(t *testing.T) {
	s, mem := newTestScheduler(t, &sweepRemote{}, &countingClient{})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	saveConnAndSub(t, mem, "live", now.Add(time.Hour))
	saveConnAndSub(t, mem, "dead", now.Add(-time.Hour))

	s.CleanupSweep(context.Background())

	got, _ := mem.GetSubscription(context.Background(), "sub-dead")
	if got.Active {
		t.Fatal("expired subscription still active")
	}
	got, _ = mem.GetSubscription(context.Background(), "sub-live")
	if !got.Active {
		t.Fatal("live subscription deactivated")
	}
}

func TestResyncSweepSyncsEveryActiveConnection(t *testing.T) {
	client := &countingClient{}
	s, mem := newTestScheduler(t, &sweepRemote{}, client)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		err := mem.SaveConnection(ctx, domain.Connection{
			ID: "conn-" + id, UserID: "user-1", Provider: domain.ProviderGraph,
			CalendarID: "primary", Connected: true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := mem.SoftDeleteConnection(ctx, "conn-b", time.Now()); err != nil {
		t.Fatal(err)
	}

	s.ResyncSweep(ctx)

	client.mu.Lock()
	synced := append([]string(nil), client.synced...)
	client.mu.Unlock()
	sort.Strings(synced)
	if len(synced) != 1 || synced[0] != "conn-a" {
		t.Fatalf("synced = %v", synced)
	}
}

func TestStaggerDelay(t *testing.T) {
	window := 10 * time.Minute
	d1 := staggerDelay("conn-1", window)
	d2 := staggerDelay("conn-1", window)
	if d1 != d2 {
		t.Fatalf("delay not stable: %v vs %v", d1, d2)
	}
	if d1 < 0 || d1 >= window {
		t.Fatalf("delay %v outside window", d1)
	}
	if staggerDelay("conn-1", 0) != 0 {
		t.Fatal("zero window must mean zero delay")
	}
}

func TestStaggerDelaySpreadsAcrossWindow(t *testing.T) {
	window := 10 * time.Minute
	var max time.Duration
	for i := 0; i < 10000; i++ {
		d := staggerDelay(fmt.Sprintf("conn-%d", i), window)
		if d < 0 || d >= window {
			t.Fatalf("delay %v outside window", d)
		}
		if d > max {
			max = d
		}
	}
	if max < window/2 {
		t.Fatalf("delays cluster at the start of the window: max %v for window %v", max, window)
	}
}
