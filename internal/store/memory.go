package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

type eventKey struct {
	connectionID    string
	providerEventID string
}

// Memory is the in-process Store used by tests and single-node setups.
type Memory struct {
	mu            sync.RWMutex
	connections   map[string]domain.Connection
	events        map[eventKey]domain.Event
	subscriptions map[string]domain.Subscription
}

func NewMemory() *Memory {
	return &Memory{
		connections:   make(map[string]domain.Connection),
		events:        make(map[eventKey]domain.Event),
		subscriptions: make(map[string]domain.Subscription),
	}
}

func (m *Memory) GetConnection(_ context.Context, id string) (domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	if !ok {
		return domain.Connection{}, ErrNotFound
	}
	return conn, nil
}

func (m *Memory) ListConnectionsByUser(_ context.Context, userID string) ([]domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Connection
	for _, c := range m.connections {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (m *Memory) ListActiveConnections(_ context.Context) ([]domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Connection
	for _, c := range m.connections {
		if c.Active() {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (m *Memory) SaveConnection(_ context.Context, conn domain.Connection) error {
	if conn.ID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID] = conn
	return nil
}

func (m *Memory) UpdateCursor(_ context.Context, id, cursor string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	conn.SyncCursor = cursor
	conn.LastSyncedAt = &syncedAt
	m.connections[id] = conn
	return nil
}

func (m *Memory) SoftDeleteConnection(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	conn.DeletedAt = &at
	conn.Connected = false
	m.connections[id] = conn

	for k, ev := range m.events {
		if k.connectionID == id && ev.DeletedAt == nil {
			at := at
			ev.DeletedAt = &at
			ev.SyncStatus = domain.SyncStatusDeleted
			m.events[k] = ev
		}
	}
	for sid, sub := range m.subscriptions {
		if sub.ConnectionID == id && sub.Active {
			sub.Active = false
			m.subscriptions[sid] = sub
		}
	}
	return nil
}

func (m *Memory) GetEventByProviderID(_ context.Context, connectionID, providerEventID string) (domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventKey{connectionID, providerEventID}]
	if !ok {
		return domain.Event{}, ErrNotFound
	}
	return ev, nil
}

func (m *Memory) ListEventsByConnection(_ context.Context, connectionID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for k, ev := range m.events {
		if k.connectionID == connectionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderEventID < out[j].ProviderEventID })
	return out, nil
}

func (m *Memory) UpsertEvent(_ context.Context, ev domain.Event) error {
	if ev.ConnectionID == "" || ev.ProviderEventID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventKey{ev.ConnectionID, ev.ProviderEventID}] = ev
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id string) (domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return domain.Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (m *Memory) GetSubscriptionByRemoteID(_ context.Context, remoteID string) (domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.RemoteID == remoteID {
			return sub, nil
		}
	}
	return domain.Subscription{}, ErrNotFound
}

func (m *Memory) GetActiveSubscription(_ context.Context, connectionID string) (domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.ConnectionID == connectionID && sub.Active {
			return sub, nil
		}
	}
	return domain.Subscription{}, ErrNotFound
}

func (m *Memory) SaveSubscription(_ context.Context, sub domain.Subscription) error {
	if sub.ID == "" || sub.ConnectionID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub
	return nil
}

func (m *Memory) ListExpiringSubscriptions(_ context.Context, before time.Time) ([]domain.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Subscription
	for _, sub := range m.subscriptions {
		if sub.Active && sub.ExpiresAt.Before(before) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flipped := 0
	for id, sub := range m.subscriptions {
		if sub.Active && sub.ExpiresAt.Before(now) {
			sub.Active = false
			m.subscriptions[id] = sub
			flipped++
		}
	}
	return flipped, nil
}

func sortConnections(conns []domain.Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
}
