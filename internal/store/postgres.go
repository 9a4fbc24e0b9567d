package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/sevenofnine/calsync/internal/domain"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is the durable Store. Every write is a single-row statement
// keyed by the entity's unique constraint; there are no multi-row
// transactions beyond the soft-delete cascade.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range schemaStatements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				p.initErr = err
				_ = db.Close()
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS calendar_connections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		feed_url TEXT NOT NULL DEFAULT '',
		sync_cursor TEXT NOT NULL DEFAULT '',
		connected BOOLEAN NOT NULL DEFAULT TRUE,
		last_synced_at TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS calendar_connections_active_uniq
		ON calendar_connections (user_id, provider, calendar_id)
		WHERE deleted_at IS NULL AND connected`,
	`CREATE TABLE IF NOT EXISTS calendar_events (
		id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ NOT NULL,
		all_day BOOLEAN NOT NULL DEFAULT FALSE,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		recurrence_rule TEXT NOT NULL DEFAULT '',
		series_master_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'confirmed',
		sync_status TEXT NOT NULL DEFAULT 'synced',
		fingerprint TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		deleted_at TIMESTAMPTZ,
		last_synced_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (connection_id, provider_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		notification_url TEXT NOT NULL,
		client_secret TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_notification_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS webhook_subscriptions_active_uniq
		ON webhook_subscriptions (connection_id) WHERE active`,
}

const connectionColumns = `id, user_id, provider, calendar_id, feed_url, sync_cursor, connected, last_synced_at, deleted_at`

func (p *Postgres) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	if err := p.ensureReady(); err != nil {
		return domain.Connection{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`, id)
	return scanConnection(row)
}

func (p *Postgres) ListConnectionsByUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	return p.queryConnections(ctx, `SELECT `+connectionColumns+` FROM calendar_connections WHERE user_id = $1 ORDER BY id`, userID)
}

func (p *Postgres) ListActiveConnections(ctx context.Context) ([]domain.Connection, error) {
	return p.queryConnections(ctx, `SELECT `+connectionColumns+` FROM calendar_connections WHERE connected AND deleted_at IS NULL ORDER BY id`)
}

func (p *Postgres) queryConnections(ctx context.Context, query string, args ...any) ([]domain.Connection, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (domain.Connection, error) {
	var c domain.Connection
	var lastSynced, deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.CalendarID, &c.FeedURL, &c.SyncCursor, &c.Connected, &lastSynced, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Connection{}, ErrNotFound
	}
	if err != nil {
		return domain.Connection{}, err
	}
	if lastSynced.Valid {
		c.LastSyncedAt = &lastSynced.Time
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}

func (p *Postgres) SaveConnection(ctx context.Context, conn domain.Connection) error {
	if conn.ID == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO calendar_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			provider = EXCLUDED.provider,
			calendar_id = EXCLUDED.calendar_id,
			feed_url = EXCLUDED.feed_url,
			sync_cursor = EXCLUDED.sync_cursor,
			connected = EXCLUDED.connected,
			last_synced_at = EXCLUDED.last_synced_at,
			deleted_at = EXCLUDED.deleted_at`,
		conn.ID, conn.UserID, conn.Provider, conn.CalendarID, conn.FeedURL, conn.SyncCursor,
		conn.Connected, nullTime(conn.LastSyncedAt), nullTime(conn.DeletedAt))
	return err
}

func (p *Postgres) UpdateCursor(ctx context.Context, id, cursor string, syncedAt time.Time) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE calendar_connections SET sync_cursor = $2, last_synced_at = $3 WHERE id = $1`,
		id, cursor, syncedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) SoftDeleteConnection(ctx context.Context, id string, at time.Time) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE calendar_connections SET deleted_at = $2, connected = FALSE WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE calendar_events SET deleted_at = $2, sync_status = 'deleted' WHERE connection_id = $1 AND deleted_at IS NULL`, id, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET active = FALSE WHERE connection_id = $1 AND active`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const eventColumns = `id, connection_id, provider_event_id, title, description, location, start_at, end_at, all_day, timezone, recurrence_rule, series_master_id, status, sync_status, fingerprint, metadata, deleted_at, last_synced_at`

func (p *Postgres) GetEventByProviderID(ctx context.Context, connectionID, providerEventID string) (domain.Event, error) {
	if err := p.ensureReady(); err != nil {
		return domain.Event{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE connection_id = $1 AND provider_event_id = $2`,
		connectionID, providerEventID)
	return scanEvent(row)
}

func (p *Postgres) ListEventsByConnection(ctx context.Context, connectionID string) ([]domain.Event, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE connection_id = $1 ORDER BY provider_event_id`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var ev domain.Event
	var metadata []byte
	var deletedAt sql.NullTime
	err := row.Scan(&ev.ID, &ev.ConnectionID, &ev.ProviderEventID, &ev.Title, &ev.Description,
		&ev.Location, &ev.Start, &ev.End, &ev.AllDay, &ev.Timezone, &ev.RecurrenceRule,
		&ev.SeriesMasterID, &ev.Status, &ev.SyncStatus, &ev.Fingerprint, &metadata,
		&deletedAt, &ev.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	ev.Metadata = metadata
	if deletedAt.Valid {
		ev.DeletedAt = &deletedAt.Time
	}
	return ev, nil
}

func (p *Postgres) UpsertEvent(ctx context.Context, ev domain.Event) error {
	if ev.ConnectionID == "" || ev.ProviderEventID == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO calendar_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (connection_id, provider_event_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			all_day = EXCLUDED.all_day,
			timezone = EXCLUDED.timezone,
			recurrence_rule = EXCLUDED.recurrence_rule,
			series_master_id = EXCLUDED.series_master_id,
			status = EXCLUDED.status,
			sync_status = EXCLUDED.sync_status,
			fingerprint = EXCLUDED.fingerprint,
			metadata = EXCLUDED.metadata,
			deleted_at = EXCLUDED.deleted_at,
			last_synced_at = EXCLUDED.last_synced_at`,
		ev.ID, ev.ConnectionID, ev.ProviderEventID, ev.Title, ev.Description, ev.Location,
		ev.Start, ev.End, ev.AllDay, ev.Timezone, ev.RecurrenceRule, ev.SeriesMasterID,
		ev.Status, ev.SyncStatus, ev.Fingerprint, nullBytes(ev.Metadata),
		nullTime(ev.DeletedAt), ev.LastSyncedAt)
	return err
}

const subscriptionColumns = `id, connection_id, remote_id, resource, notification_url, client_secret, expires_at, active, last_notification_at`

func (p *Postgres) GetSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	return p.querySubscription(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
}

func (p *Postgres) GetSubscriptionByRemoteID(ctx context.Context, remoteID string) (domain.Subscription, error) {
	return p.querySubscription(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE remote_id = $1`, remoteID)
}

func (p *Postgres) GetActiveSubscription(ctx context.Context, connectionID string) (domain.Subscription, error) {
	return p.querySubscription(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE connection_id = $1 AND active`, connectionID)
}

func (p *Postgres) querySubscription(ctx context.Context, query string, args ...any) (domain.Subscription, error) {
	if err := p.ensureReady(); err != nil {
		return domain.Subscription{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return scanSubscription(p.db.QueryRowContext(ctx, query, args...))
}

func scanSubscription(row rowScanner) (domain.Subscription, error) {
	var s domain.Subscription
	var lastNotification sql.NullTime
	err := row.Scan(&s.ID, &s.ConnectionID, &s.RemoteID, &s.Resource, &s.NotificationURL,
		&s.ClientSecret, &s.ExpiresAt, &s.Active, &lastNotification)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, ErrNotFound
	}
	if err != nil {
		return domain.Subscription{}, err
	}
	if lastNotification.Valid {
		s.LastNotificationAt = &lastNotification.Time
	}
	return s, nil
}

func (p *Postgres) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	if sub.ID == "" || sub.ConnectionID == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			resource = EXCLUDED.resource,
			notification_url = EXCLUDED.notification_url,
			client_secret = EXCLUDED.client_secret,
			expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active,
			last_notification_at = EXCLUDED.last_notification_at`,
		sub.ID, sub.ConnectionID, sub.RemoteID, sub.Resource, sub.NotificationURL,
		sub.ClientSecret, sub.ExpiresAt, sub.Active, nullTime(sub.LastNotificationAt))
	return err
}

func (p *Postgres) ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]domain.Subscription, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE active AND expires_at < $1 ORDER BY expires_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *Postgres) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET active = FALSE WHERE active AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
