package store

import (
	"context"
	"errors"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ConnectionStore persists provider connections. Cursor writes are single
// atomic updates keyed by connection id; the orchestrator is the only
// writer of the cursor.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (domain.Connection, error)
	ListConnectionsByUser(ctx context.Context, userID string) ([]domain.Connection, error)
	ListActiveConnections(ctx context.Context) ([]domain.Connection, error)
	SaveConnection(ctx context.Context, conn domain.Connection) error
	// UpdateCursor persists the cursor and last-synced-at together.
	UpdateCursor(ctx context.Context, id, cursor string, syncedAt time.Time) error
	// SoftDeleteConnection marks the connection deleted and cascades the
	// soft-delete to its events and subscriptions.
	SoftDeleteConnection(ctx context.Context, id string, at time.Time) error
}

// EventStore persists normalized events. (ConnectionID, ProviderEventID) is
// the upsert key; soft-deleted rows stay queryable.
type EventStore interface {
	GetEventByProviderID(ctx context.Context, connectionID, providerEventID string) (domain.Event, error)
	ListEventsByConnection(ctx context.Context, connectionID string) ([]domain.Event, error)
	UpsertEvent(ctx context.Context, ev domain.Event) error
}

// SubscriptionStore persists webhook channels. At most one active row per
// connection; rows flip inactive rather than being removed.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (domain.Subscription, error)
	GetSubscriptionByRemoteID(ctx context.Context, remoteID string) (domain.Subscription, error)
	GetActiveSubscription(ctx context.Context, connectionID string) (domain.Subscription, error)
	SaveSubscription(ctx context.Context, sub domain.Subscription) error
	ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]domain.Subscription, error)
	// DeactivateExpired bulk-flags active subscriptions past expiration and
	// reports how many rows flipped.
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence surface the engine consumes.
type Store interface {
	ConnectionStore
	EventStore
	SubscriptionStore
}
