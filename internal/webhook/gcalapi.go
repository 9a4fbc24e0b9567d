package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/provider"
)

const gcalWatchBaseURL = "https://calendar.example.com/v3"

// GCalAPI manages push channels against the watch-style REST surface. A
// channel is created with our subscription id as the channel id; the remote
// answers with a resource id, and stopping the channel needs both.
type GCalAPI struct {
	baseURL string
	client  provider.HTTPDoer
	tokens  provider.TokenSource
}

func NewGCalAPI(client provider.HTTPDoer, tokens provider.TokenSource) *GCalAPI {
	return &GCalAPI{baseURL: gcalWatchBaseURL, client: client, tokens: tokens}
}

// WithBaseURL points the API at a different endpoint, used by tests.
func (g *GCalAPI) WithBaseURL(u string) *GCalAPI {
	g.baseURL = u
	return g
}

type gcalWatchBody struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Address    string `json:"address"`
	Token      string `json:"token,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
}

type gcalWatchResponse struct {
	ID         string      `json:"id"`
	ResourceID string      `json:"resourceId"`
	Expiration json.Number `json:"expiration"`
}

type gcalStopBody struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

func (g *GCalAPI) Create(ctx context.Context, conn domain.Connection, sub domain.Subscription) (string, time.Time, error) {
	body := gcalWatchBody{
		ID:         sub.ID,
		Type:       "web_hook",
		Address:    sub.NotificationURL,
		Token:      sub.ClientSecret,
		Expiration: sub.ExpiresAt.UTC().UnixMilli(),
	}
	u := fmt.Sprintf("%s/calendars/%s/events/watch", g.baseURL, url.PathEscape(conn.CalendarID))
	var parsed gcalWatchResponse
	if err := g.roundTrip(ctx, conn, u, body, &parsed); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := sub.ExpiresAt
	if ms, err := strconv.ParseInt(parsed.Expiration.String(), 10, 64); err == nil && ms > 0 {
		expiresAt = time.UnixMilli(ms).UTC()
	}
	return parsed.ResourceID, expiresAt, nil
}

// Renew always fails: watch channels cannot have their lifetime extended,
// an expiring channel is replaced by a fresh Create instead.
func (g *GCalAPI) Renew(ctx context.Context, conn domain.Connection, sub domain.Subscription, expiresAt time.Time) (time.Time, error) {
	return time.Time{}, fmt.Errorf("%w: watch channels cannot be renewed", ErrRenewNotSupported)
}

func (g *GCalAPI) Delete(ctx context.Context, conn domain.Connection, sub domain.Subscription) error {
	body := gcalStopBody{ID: sub.ID, ResourceID: sub.RemoteID}
	return g.roundTrip(ctx, conn, g.baseURL+"/channels/stop", body, nil)
}

func (g *GCalAPI) roundTrip(ctx context.Context, conn domain.Connection, u string, body, out any) error {
	token, err := g.tokens.AccessToken(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("acquiring access token: %w", err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrRemoteNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("watch request: %w", statusToError(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding watch response: %w", err)
	}
	return nil
}
