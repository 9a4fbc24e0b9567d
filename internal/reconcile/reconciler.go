package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/normalize"
	"github.com/sevenofnine/calsync/internal/provider"
	"github.com/sevenofnine/calsync/internal/store"
)

// Reconciler merges one fetched page into the event store. Per-event
// failures are counted and logged, never propagated: a bad event must not
// take down the rest of its page.
type Reconciler struct {
	events store.EventStore
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

func New(events store.EventStore, log *slog.Logger) *Reconciler {
	return &Reconciler{
		events: events,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Apply reconciles every event on the page against the stored state for the
// connection and returns per-page counters.
func (r *Reconciler) Apply(ctx context.Context, conn domain.Connection, page provider.Page, client provider.DeltaClient) domain.SyncStats {
	stats := domain.SyncStats{Pages: 1, Total: len(page.Events)}
	for _, evErr := range page.Malformed {
		stats.Errors++
		r.log.Warn("skipping malformed provider event",
			"connection_id", conn.ID, "provider_event_id", evErr.ProviderEventID, "reason", evErr.Reason)
	}
	for _, ev := range page.Events {
		outcome, err := r.applyOne(ctx, conn, ev, client)
		if err != nil {
			stats.Errors++
			r.log.Warn("event reconciliation failed",
				"connection_id", conn.ID, "provider_event_id", ev.ID, "error", err)
			continue
		}
		switch outcome {
		case outcomeCreated:
			stats.Created++
		case outcomeUpdated:
			stats.Updated++
		case outcomeDeleted:
			stats.Deleted++
		}
	}
	return stats
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeDeleted
)

func (r *Reconciler) applyOne(ctx context.Context, conn domain.Connection, ev domain.ProviderEvent, client provider.DeltaClient) (outcome, error) {
	existing, err := r.events.GetEventByProviderID(ctx, conn.ID, ev.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		existing = domain.Event{}
	default:
		return outcomeUnchanged, err
	}
	found := err == nil

	if ev.Removed {
		// Removal of an event that was never stored, or already tombstoned,
		// is a no-op rather than an error.
		if !found || existing.SyncStatus == domain.SyncStatusDeleted {
			return outcomeUnchanged, nil
		}
		now := r.now().UTC()
		existing.SyncStatus = domain.SyncStatusDeleted
		existing.DeletedAt = &now
		existing.Status = domain.EventStatusCancelled
		existing.LastSyncedAt = now
		if err := r.events.UpsertEvent(ctx, existing); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeDeleted, nil
	}

	next, err := r.normalize(conn, ev, client)
	if err != nil {
		return outcomeUnchanged, err
	}

	if !found {
		next.ID = r.newID()
		if err := r.events.UpsertEvent(ctx, next); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCreated, nil
	}

	reappeared := existing.SyncStatus == domain.SyncStatusDeleted
	if !reappeared && existing.Fingerprint == next.Fingerprint {
		return outcomeUnchanged, nil
	}

	next.ID = existing.ID
	if err := r.events.UpsertEvent(ctx, next); err != nil {
		return outcomeUnchanged, err
	}
	if reappeared {
		r.log.Info("tombstoned event re-appeared at provider",
			"connection_id", conn.ID, "provider_event_id", ev.ID)
	}
	return outcomeUpdated, nil
}

// normalize translates a provider event into its stored form: canonical
// recurrence rule, resolved timezone, instants converted, metadata frozen.
func (r *Reconciler) normalize(conn domain.Connection, ev domain.ProviderEvent, client provider.DeltaClient) (domain.Event, error) {
	tzID, warning := normalize.Timezone(ev.Timezone)
	if warning != "" {
		r.log.Warn("timezone fallback",
			"connection_id", conn.ID, "provider_event_id", ev.ID, "detail", warning)
	}

	rule := ""
	if ev.Recurrence != nil {
		rule = normalize.Rule(ev.Recurrence)
		if rule == "" {
			r.log.Warn("unrepresentable recurrence dropped",
				"connection_id", conn.ID, "provider_event_id", ev.ID)
		}
	}

	status := ev.Status
	if status == "" {
		status = domain.EventStatusConfirmed
	}

	next := domain.Event{
		ConnectionID:    conn.ID,
		ProviderEventID: ev.ID,
		Title:           ev.Title,
		Description:     ev.Description,
		Location:        ev.Location,
		Start:           normalize.Instant(ev.Start, ev.Timezone, ev.AllDay),
		End:             normalize.Instant(ev.End, ev.Timezone, ev.AllDay),
		AllDay:          ev.AllDay,
		Timezone:        tzID,
		RecurrenceRule:  rule,
		SeriesMasterID:  ev.SeriesMasterID,
		Status:          status,
		SyncStatus:      domain.SyncStatusSynced,
		LastSyncedAt:    r.now().UTC(),
	}

	if extras := client.ExtractMetadata(ev); len(extras) > 0 {
		raw, err := json.Marshal(extras)
		if err != nil {
			return domain.Event{}, fmt.Errorf("encoding event metadata: %w", err)
		}
		next.Metadata = raw
	}

	next.Fingerprint = fingerprint(ev, next)
	return next, nil
}

// fingerprint prefers the provider's own modification stamp; providers that
// omit one get a content hash over the normalized fields instead.
func fingerprint(ev domain.ProviderEvent, next domain.Event) string {
	if !ev.LastModified.IsZero() {
		return ev.LastModified.UTC().Format(time.RFC3339Nano)
	}
	h := fnv.New64a()
	for _, part := range []string{
		next.Title, next.Description, next.Location,
		next.Start.UTC().Format(time.RFC3339), next.End.UTC().Format(time.RFC3339),
		strconv.FormatBool(next.AllDay), next.Timezone,
		next.RecurrenceRule, string(next.Status),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
