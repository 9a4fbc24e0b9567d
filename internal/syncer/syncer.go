package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/provider"
	"github.com/sevenofnine/calsync/internal/reconcile"
	"github.com/sevenofnine/calsync/internal/store"
)

var (
	// ErrSyncInProgress means another sync already holds the connection.
	// Triggers that race an in-flight sync coalesce into it.
	ErrSyncInProgress = errors.New("sync already in progress for connection")
	// ErrConnectionInactive means the connection is disconnected or
	// soft-deleted and must not be synced.
	ErrConnectionInactive = errors.New("connection is not active")
)

// Syncer drives full and incremental syncs. One sync runs per connection at
// a time; the cursor is only advanced after a fully successful run.
type Syncer struct {
	store      store.ConnectionStore
	registry   provider.Registry
	reconciler *reconcile.Reconciler
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

type Options struct {
	Store      store.ConnectionStore
	Registry   provider.Registry
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
}

func New(opts Options) *Syncer {
	return &Syncer{
		store:      opts.Store,
		registry:   opts.Registry,
		reconciler: opts.Reconciler,
		log:        opts.Logger,
		now:        time.Now,
		running:    make(map[string]struct{}),
	}
}

func (s *Syncer) acquire(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[connectionID]; busy {
		return false
	}
	s.running[connectionID] = struct{}{}
	return true
}

func (s *Syncer) release(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, connectionID)
}

// Sync runs one sync for the connection. forceFull discards the stored
// cursor and refetches everything. An invalidated cursor restarts the run
// from scratch exactly once; a second invalidation in the same run surfaces.
func (s *Syncer) Sync(ctx context.Context, connectionID string, forceFull bool) (domain.SyncStats, error) {
	if !s.acquire(connectionID) {
		return domain.SyncStats{}, ErrSyncInProgress
	}
	defer s.release(connectionID)

	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.SyncStats{}, err
	}
	if !conn.Active() {
		return domain.SyncStats{}, ErrConnectionInactive
	}
	client, err := s.registry.For(conn.Provider)
	if err != nil {
		return domain.SyncStats{}, err
	}

	cursor := conn.SyncCursor
	if forceFull {
		cursor = ""
	}
	started := s.now()
	s.log.Info("sync started",
		"connection_id", conn.ID, "provider", conn.Provider, "full", cursor == "")

	var stats domain.SyncStats
	restarted := false
	for {
		page, err := client.FetchPage(ctx, conn, cursor)
		if errors.Is(err, provider.ErrCursorInvalidated) {
			if restarted {
				return stats, fmt.Errorf("cursor invalidated again after restart: %w", err)
			}
			restarted = true
			cursor = ""
			stats = domain.SyncStats{}
			s.log.Warn("sync cursor invalidated, restarting with full fetch", "connection_id", conn.ID)
			continue
		}
		if err != nil {
			// The stored cursor stays untouched so the next run resumes
			// from the last durable point.
			return stats, err
		}

		stats.Add(s.reconciler.Apply(ctx, conn, page, client))
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	syncedAt := s.now().UTC()
	if err := s.store.UpdateCursor(ctx, conn.ID, cursor, syncedAt); err != nil {
		return stats, fmt.Errorf("persisting sync cursor: %w", err)
	}
	s.log.Info("sync finished",
		"connection_id", conn.ID, "pages", stats.Pages, "created", stats.Created,
		"updated", stats.Updated, "deleted", stats.Deleted, "errors", stats.Errors,
		"elapsed", s.now().Sub(started))
	return stats, nil
}

// Outcome is one connection's result within a SyncAll fan-out. Coalesced
// marks a connection whose trigger folded into a run already underway; that
// is a no-op, not a failure.
type Outcome struct {
	ConnectionID string           `json:"connection_id"`
	Stats        domain.SyncStats `json:"stats"`
	Coalesced    bool             `json:"coalesced,omitempty"`
	Err          error            `json:"-"`
	Error        string           `json:"error,omitempty"`
}

// SyncAll syncs every active connection of a user concurrently. One failing
// connection never blocks or cancels its siblings.
func (s *Syncer) SyncAll(ctx context.Context, userID string) ([]Outcome, error) {
	conns, err := s.store.ListConnectionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(conns))
	idx := make(map[string]int)
	for _, conn := range conns {
		if !conn.Active() {
			continue
		}
		idx[conn.ID] = len(outcomes)
		outcomes = append(outcomes, Outcome{ConnectionID: conn.ID})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for id, i := range idx {
		wg.Add(1)
		go func(id string, i int) {
			defer wg.Done()
			stats, err := s.Sync(ctx, id, false)
			mu.Lock()
			outcomes[i].Stats = stats
			switch {
			case errors.Is(err, ErrSyncInProgress):
				outcomes[i].Coalesced = true
			case err != nil:
				outcomes[i].Err = err
				outcomes[i].Error = err.Error()
			}
			mu.Unlock()
		}(id, i)
	}
	wg.Wait()
	return outcomes, nil
}
