package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/security"
	"github.com/sevenofnine/calsync/internal/store"
	"github.com/sevenofnine/calsync/internal/syncer"
)

// maxSubscriptionTTL is the longest lifetime the remote side accepts for a
// calendar subscription. Requests beyond it are clamped, not rejected.
const maxSubscriptionTTL = 4230 * time.Minute

const dispatchTimeout = 2 * time.Minute

var (
	// ErrRemoteNotFound means the remote side no longer knows the
	// subscription. Renewal treats it as terminal for the row.
	ErrRemoteNotFound = errors.New("remote subscription not found")
	// ErrNoWebhookSupport means the connection's provider cannot push.
	ErrNoWebhookSupport = errors.New("provider does not support webhooks")
	// ErrRenewNotSupported means the provider's subscriptions are replaced,
	// never extended in place.
	ErrRenewNotSupported = errors.New("subscription renewal not supported")
	// ErrInvalidNotification means the payload failed schema validation.
	ErrInvalidNotification = errors.New("invalid notification payload")
)

// RemoteAPI is the provider-side subscription surface. Implementations talk
// to the remote calendar service; tests inject fakes. Renew and Delete take
// the stored subscription because providers differ in which identifiers the
// teardown call needs.
type RemoteAPI interface {
	Create(ctx context.Context, conn domain.Connection, sub domain.Subscription) (remoteID string, expiresAt time.Time, err error)
	Renew(ctx context.Context, conn domain.Connection, sub domain.Subscription, expiresAt time.Time) (time.Time, error)
	Delete(ctx context.Context, conn domain.Connection, sub domain.Subscription) error
}

// Trigger starts a sync for a connection. Satisfied by *syncer.Syncer.
type Trigger interface {
	Sync(ctx context.Context, connectionID string, forceFull bool) (domain.SyncStats, error)
}

// Manager owns the webhook subscription lifecycle and turns validated push
// notifications into sync triggers.
type Manager struct {
	store     store.Store
	remotes   map[domain.Provider]RemoteAPI
	trigger   Trigger
	publicURL string
	log       *slog.Logger
	schema    *jsonschema.Schema

	now       func() time.Time
	newID     func() string
	newSecret func() (string, error)
	dispatch  func(connectionID string)
}

type Options struct {
	Store store.Store
	// Remotes maps each push-capable provider to its subscription API.
	// Providers absent from the map cannot subscribe.
	Remotes map[domain.Provider]RemoteAPI
	Sync    Trigger
	// PublicURL is the externally reachable base the provider posts back to.
	PublicURL string
	Logger    *slog.Logger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		store:     opts.Store,
		remotes:   opts.Remotes,
		trigger:   opts.Sync,
		publicURL: opts.PublicURL,
		log:       opts.Logger,
		schema:    compileNotificationSchema(),
		now:       time.Now,
		newID:     uuid.NewString,
		newSecret: randomSecret,
	}
	m.dispatch = m.dispatchSync
	return m
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (m *Manager) remoteFor(p domain.Provider) (RemoteAPI, error) {
	remote, ok := m.remotes[p]
	if !ok || remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoWebhookSupport, p)
	}
	return remote, nil
}

// Create provisions a push subscription for the connection. An existing
// active subscription is returned as-is rather than duplicated.
func (m *Manager) Create(ctx context.Context, connectionID string, ttl time.Duration) (domain.Subscription, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !conn.Active() {
		return domain.Subscription{}, syncer.ErrConnectionInactive
	}
	remote, err := m.remoteFor(conn.Provider)
	if err != nil {
		return domain.Subscription{}, err
	}

	if existing, err := m.store.GetActiveSubscription(ctx, connectionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Subscription{}, err
	}

	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	secret, err := m.newSecret()
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("generating client secret: %w", err)
	}

	sub := domain.Subscription{
		ID:              m.newID(),
		ConnectionID:    conn.ID,
		Resource:        fmt.Sprintf("calendars/%s/events", conn.CalendarID),
		NotificationURL: fmt.Sprintf("%s/webhooks/%s", m.publicURL, conn.Provider),
		ClientSecret:    secret,
		ExpiresAt:       m.now().UTC().Add(ttl),
		Active:          true,
	}
	remoteID, expiresAt, err := remote.Create(ctx, conn, sub)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("creating remote subscription: %w", err)
	}
	sub.RemoteID = remoteID
	if !expiresAt.IsZero() {
		sub.ExpiresAt = expiresAt.UTC()
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}
	m.log.Info("webhook subscription created",
		"subscription_id", sub.ID, "connection_id", conn.ID, "expires_at", sub.ExpiresAt)
	return sub, nil
}

// Renew extends the subscription's remote lifetime. A remote that no longer
// knows the subscription deactivates the row; any other failure leaves it
// active so the next sweep retries.
func (m *Manager) Renew(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return domain.Subscription{}, err
	}
	conn, err := m.store.GetConnection(ctx, sub.ConnectionID)
	if err != nil {
		return domain.Subscription{}, err
	}
	remote, err := m.remoteFor(conn.Provider)
	if err != nil {
		return domain.Subscription{}, err
	}

	want := m.now().UTC().Add(maxSubscriptionTTL)
	expiresAt, err := remote.Renew(ctx, conn, sub, want)
	if errors.Is(err, ErrRemoteNotFound) {
		sub.Active = false
		if saveErr := m.store.SaveSubscription(ctx, sub); saveErr != nil {
			return domain.Subscription{}, saveErr
		}
		m.log.Warn("subscription gone at remote, deactivated",
			"subscription_id", sub.ID, "connection_id", sub.ConnectionID)
		return sub, err
	}
	if err != nil {
		return sub, fmt.Errorf("renewing remote subscription: %w", err)
	}

	sub.ExpiresAt = expiresAt.UTC()
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}
	m.log.Info("webhook subscription renewed",
		"subscription_id", sub.ID, "expires_at", sub.ExpiresAt)
	return sub, nil
}

// Delete tears down the remote subscription and deactivates the row. A
// remote 404 counts as success, the goal state is already reached.
func (m *Manager) Delete(ctx context.Context, subscriptionID string) error {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	conn, err := m.store.GetConnection(ctx, sub.ConnectionID)
	if err != nil {
		return err
	}
	remote, err := m.remoteFor(conn.Provider)
	if err != nil {
		return err
	}
	if err := remote.Delete(ctx, conn, sub); err != nil && !errors.Is(err, ErrRemoteNotFound) {
		return fmt.Errorf("deleting remote subscription: %w", err)
	}
	sub.Active = false
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	m.log.Info("webhook subscription deleted", "subscription_id", sub.ID)
	return nil
}

type notificationItem struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

type notificationBatch struct {
	Value []notificationItem `json:"value"`
}

// HandleNotification processes a push payload. Items failing the secret
// check are dropped without telling the sender anything; the payload as a
// whole is rejected only when it fails schema validation.
func (m *Manager) HandleNotification(ctx context.Context, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := m.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	var batch notificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	for _, item := range batch.Value {
		sub, err := m.store.GetSubscriptionByRemoteID(ctx, item.SubscriptionID)
		if err != nil {
			m.log.Warn("notification for unknown subscription", "remote_id", item.SubscriptionID)
			continue
		}
		if !sub.Active {
			m.log.Warn("notification for inactive subscription", "subscription_id", sub.ID)
			continue
		}
		if !security.SecretEqual(item.ClientState, sub.ClientSecret) {
			m.log.Warn("notification client state mismatch, dropped", "subscription_id", sub.ID)
			continue
		}

		now := m.now().UTC()
		sub.LastNotificationAt = &now
		if err := m.store.SaveSubscription(ctx, sub); err != nil {
			m.log.Warn("recording notification time failed", "subscription_id", sub.ID, "error", err)
		}
		m.dispatch(sub.ConnectionID)
	}
	return nil
}

// HandleChannelPing processes a header-style channel notification. The
// initial "sync" handshake ping acknowledges without triggering anything.
func (m *Manager) HandleChannelPing(ctx context.Context, channelID, token, state string) error {
	sub, err := m.store.GetSubscription(ctx, channelID)
	if err != nil {
		return err
	}
	if !sub.Active {
		return store.ErrNotFound
	}
	if !security.SecretEqual(token, sub.ClientSecret) {
		m.log.Warn("channel token mismatch, dropped", "subscription_id", sub.ID)
		return nil
	}
	now := m.now().UTC()
	sub.LastNotificationAt = &now
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		m.log.Warn("recording notification time failed", "subscription_id", sub.ID, "error", err)
	}
	if state == "sync" {
		return nil
	}
	m.dispatch(sub.ConnectionID)
	return nil
}

// dispatchSync kicks off a sync detached from the notification request.
// A sync already running for the connection absorbs the trigger.
func (m *Manager) dispatchSync(connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		_, err := m.trigger.Sync(ctx, connectionID, false)
		if err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
			m.log.Warn("notification-triggered sync failed", "connection_id", connectionID, "error", err)
		}
	}()
}
