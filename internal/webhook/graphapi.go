package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/provider"
)

const defaultSubscriptionsURL = "https://graph.example.com/v1.0/subscriptions"

// GraphAPI manages push subscriptions against the Graph-style REST surface.
type GraphAPI struct {
	baseURL string
	client  provider.HTTPDoer
	tokens  provider.TokenSource
}

func NewGraphAPI(client provider.HTTPDoer, tokens provider.TokenSource) *GraphAPI {
	return &GraphAPI{baseURL: defaultSubscriptionsURL, client: client, tokens: tokens}
}

// WithBaseURL points the API at a different endpoint, used by tests.
func (g *GraphAPI) WithBaseURL(u string) *GraphAPI {
	g.baseURL = u
	return g
}

type graphSubscriptionBody struct {
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

type graphSubscriptionResponse struct {
	ID                 string `json:"id"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

func (g *GraphAPI) Create(ctx context.Context, conn domain.Connection, sub domain.Subscription) (string, time.Time, error) {
	body := graphSubscriptionBody{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    sub.NotificationURL,
		Resource:           sub.Resource,
		ExpirationDateTime: sub.ExpiresAt.UTC().Format(time.RFC3339),
		ClientState:        sub.ClientSecret,
	}
	var parsed graphSubscriptionResponse
	if err := g.roundTrip(ctx, conn, http.MethodPost, g.baseURL, body, &parsed); err != nil {
		return "", time.Time{}, err
	}
	expiresAt, err := time.Parse(time.RFC3339, parsed.ExpirationDateTime)
	if err != nil {
		expiresAt = sub.ExpiresAt
	}
	return parsed.ID, expiresAt, nil
}

func (g *GraphAPI) Renew(ctx context.Context, conn domain.Connection, sub domain.Subscription, expiresAt time.Time) (time.Time, error) {
	body := graphSubscriptionBody{ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339)}
	var parsed graphSubscriptionResponse
	url := fmt.Sprintf("%s/%s", g.baseURL, sub.RemoteID)
	if err := g.roundTrip(ctx, conn, http.MethodPatch, url, body, &parsed); err != nil {
		return time.Time{}, err
	}
	got, err := time.Parse(time.RFC3339, parsed.ExpirationDateTime)
	if err != nil {
		got = expiresAt
	}
	return got, nil
}

func (g *GraphAPI) Delete(ctx context.Context, conn domain.Connection, sub domain.Subscription) error {
	url := fmt.Sprintf("%s/%s", g.baseURL, sub.RemoteID)
	return g.roundTrip(ctx, conn, http.MethodDelete, url, nil, nil)
}

func (g *GraphAPI) roundTrip(ctx context.Context, conn domain.Connection, method, url string, body any, out any) error {
	token, err := g.tokens.AccessToken(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("acquiring access token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrRemoteNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("subscription request: %w", statusToError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding subscription response: %w", err)
	}
	return nil
}

func statusToError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", resp.StatusCode, provider.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return provider.RateLimitedError{RetryAfter: 60 * time.Second}
	default:
		return fmt.Errorf("status %d: %w", resp.StatusCode, provider.ErrTransient)
	}
}
