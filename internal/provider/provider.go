package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

// Failure categories the delta interface must surface distinctly. Adapters
// never convert one category into another.
var (
	// ErrCursorInvalidated means the remote no longer honors the stored
	// cursor; the caller must restart with an empty cursor.
	ErrCursorInvalidated = errors.New("sync cursor invalidated")
	// ErrAuth means the access token was rejected. Not retryable without
	// re-authentication.
	ErrAuth = errors.New("provider authentication failed")
	// ErrRateLimited is carried by RateLimitedError.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrTransient covers network failures and 5xx responses, safe to retry
	// with backoff.
	ErrTransient = errors.New("transient provider failure")
)

// RateLimitedError carries the caller-visible retry-after duration.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("%v, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e RateLimitedError) Unwrap() error { return ErrRateLimited }

// EventError marks a single malformed provider event rejected at the
// adapter boundary. It never aborts the page that carried it.
type EventError struct {
	ProviderEventID string
	Reason          string
}

func (e EventError) Error() string {
	if e.ProviderEventID == "" {
		return fmt.Sprintf("malformed provider event: %s", e.Reason)
	}
	return fmt.Sprintf("provider event %s: %s", e.ProviderEventID, e.Reason)
}

// Page is one fetch result. A non-empty NextCursor with HasMore=true is an
// intermediate pagination cursor; with HasMore=false it is the durable
// cursor to persist for the next incremental sync.
type Page struct {
	Events     []domain.ProviderEvent
	Malformed  []EventError
	NextCursor string
	HasMore    bool
}

// DeltaClient fetches a page of changed events for a connection. An empty
// cursor means "perform a full fetch".
type DeltaClient interface {
	Provider() domain.Provider
	FetchPage(ctx context.Context, conn domain.Connection, cursor string) (Page, error)
	// ExtractMetadata returns provider-specific extras (conferencing links,
	// importance, categories) stored opaquely by the reconciler.
	ExtractMetadata(ev domain.ProviderEvent) map[string]any
}

// TokenSource is the external token-refresh collaborator. On irrecoverable
// refresh failure it marks the connection disconnected and returns an error
// wrapping ErrAuth, which callers treat as terminal for the attempt.
type TokenSource interface {
	AccessToken(ctx context.Context, connectionID string) (string, error)
}

// URLValidator is the external outbound-URL validator consumed by the feed
// adapter before any fetch is issued.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// HTTPDoer lets tests inject a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry resolves the adapter for a connection's provider.
type Registry map[domain.Provider]DeltaClient

func (r Registry) For(p domain.Provider) (DeltaClient, error) {
	client, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("no delta client registered for provider %q", p)
	}
	return client, nil
}

// statusError classifies an unexpected HTTP status into the shared failure
// taxonomy. 410 handling is cursor-sensitive and stays in the adapters.
func statusError(status int, retryAfter time.Duration) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", status, ErrAuth)
	case status == http.StatusTooManyRequests:
		return RateLimitedError{RetryAfter: retryAfter}
	case status >= 500:
		return fmt.Errorf("status %d: %w", status, ErrTransient)
	default:
		return fmt.Errorf("unexpected status %d: %w", status, ErrTransient)
	}
}

// retryAfterHeader parses a Retry-After seconds value, defaulting when the
// header is absent or garbled.
func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
