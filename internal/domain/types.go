package domain

import "time"

// Provider identifies which external calendar system a connection talks to.
type Provider string

const (
	// ProviderGraph is the webhook-capable provider: delta queries plus
	// push-notification subscriptions.
	ProviderGraph Provider = "graph"
	// ProviderGCal is the cursor-based provider: sync-token delta queries,
	// optional push channels.
	ProviderGCal Provider = "gcal"
	// ProviderFeed is a read-only ICS feed subscription. No cursor, no push.
	ProviderFeed Provider = "feed"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderGraph, ProviderGCal, ProviderFeed:
		return true
	}
	return false
}

// SyncStatus tracks whether a stored event still exists at the provider.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusDeleted SyncStatus = "deleted"
)

// EventStatus mirrors the provider-reported confirmation state.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// Connection is one user's link to one provider calendar. The sync cursor
// is owned exclusively by the orchestrator and never shared across rows.
type Connection struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Provider     Provider   `json:"provider"`
	CalendarID   string     `json:"calendar_id"`
	FeedURL      string     `json:"feed_url,omitempty"`
	SyncCursor   string     `json:"sync_cursor,omitempty"`
	Connected    bool       `json:"connected"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the connection may be synced at all.
func (c Connection) Active() bool {
	return c.Connected && c.DeletedAt == nil
}

// Event is a normalized calendar event owned by exactly one connection.
// (ConnectionID, ProviderEventID) is unique. Soft-deleted rows are kept so
// a re-created provider id is distinguishable from a fresh create.
type Event struct {
	ID              string      `json:"id"`
	ConnectionID    string      `json:"connection_id"`
	ProviderEventID string      `json:"provider_event_id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Location        string      `json:"location,omitempty"`
	Start           time.Time   `json:"start"`
	End             time.Time   `json:"end"`
	AllDay          bool        `json:"all_day"`
	Timezone        string      `json:"timezone"`
	RecurrenceRule  string      `json:"recurrence_rule,omitempty"`
	SeriesMasterID  string      `json:"series_master_id,omitempty"`
	Status          EventStatus `json:"status"`
	SyncStatus      SyncStatus  `json:"sync_status"`
	Fingerprint     string      `json:"fingerprint"`
	Metadata        []byte      `json:"metadata,omitempty"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`
	LastSyncedAt    time.Time   `json:"last_synced_at"`
}

// Subscription is a push-notification channel for one connection. At most
// one active row exists per connection; expired/torn-down rows flip to
// inactive rather than being deleted so the trail stays queryable.
type Subscription struct {
	ID                 string     `json:"id"`
	ConnectionID       string     `json:"connection_id"`
	RemoteID           string     `json:"remote_id"`
	Resource           string     `json:"resource,omitempty"`
	NotificationURL    string     `json:"notification_url"`
	ClientSecret       string     `json:"client_secret"`
	ExpiresAt          time.Time  `json:"expires_at"`
	Active             bool       `json:"active"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`
}

// ProviderEvent is the canonical shape every adapter translates provider
// payloads into before anything downstream sees them.
type ProviderEvent struct {
	ID             string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Timezone       string
	Status         EventStatus
	SeriesMasterID string
	Recurrence     *RecurrencePattern
	LastModified   time.Time
	Removed        bool
	Metadata       map[string]any
}

// RecurrenceFrequency enumerates the provider-native repeat cadence.
type RecurrenceFrequency string

const (
	FreqDaily   RecurrenceFrequency = "daily"
	FreqWeekly  RecurrenceFrequency = "weekly"
	FreqMonthly RecurrenceFrequency = "monthly"
	FreqYearly  RecurrenceFrequency = "yearly"
)

// RecurrencePattern is the provider-native recurrence description, prior to
// normalization into a canonical rule string.
type RecurrencePattern struct {
	Frequency RecurrenceFrequency
	Interval  int
	// Weekdays is meaningful for weekly patterns and for relative
	// monthly/yearly patterns.
	Weekdays []time.Weekday
	// MonthDay > 0 marks an absolute day-of-month pattern.
	MonthDay int
	// WeekOfMonth is the signed ordinal (1..5, or -1 for last) combined with
	// Weekdays for relative monthly/yearly patterns. Zero means absolute.
	WeekOfMonth int
	// Months holds month numbers for yearly patterns.
	Months []time.Month
	// Until, when non-zero, is the inclusive end date. Count, when > 0, is
	// the occurrence count. At most one of the two is set.
	Until time.Time
	Count int
}

// SyncStats summarizes one sync invocation.
type SyncStats struct {
	Pages   int `json:"pages"`
	Total   int `json:"total_events"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

func (s *SyncStats) Add(other SyncStats) {
	s.Pages += other.Pages
	s.Total += other.Total
	s.Created += other.Created
	s.Updated += other.Updated
	s.Deleted += other.Deleted
	s.Errors += other.Errors
}
