package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

func TestGCalAPICreate(t *testing.T) {
	doer := &queuedDoer{responses: []*http.Response{
		subResponse(http.StatusOK, `{"id":"sub-1","resourceId":"res-42","expiration":"1776933000000"}`),
	}}
	api := NewGCalAPI(doer, staticTokens{token: "tok"}).WithBaseURL("https://gcal.test/v3")

	sub := domain.Subscription{
		ID:              "sub-1",
		NotificationURL: "https://calsync.example.com/webhooks/gcal",
		ClientSecret:    "secret",
		ExpiresAt:       time.Date(2026, 4, 23, 8, 30, 0, 0, time.UTC),
	}
	conn := domain.Connection{ID: "conn-1", CalendarID: "primary"}
	remoteID, expiresAt, err := api.Create(context.Background(), conn, sub)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if remoteID != "res-42" {
		t.Fatalf("remoteID = %q", remoteID)
	}
	if want := time.UnixMilli(1776933000000).UTC(); !expiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", expiresAt, want)
	}

	req := doer.requests[0]
	if req.Method != http.MethodPost || req.URL.String() != "https://gcal.test/v3/calendars/primary/events/watch" {
		t.Fatalf("request = %s %s", req.Method, req.URL)
	}
	var body gcalWatchBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ID != "sub-1" || body.Type != "web_hook" || body.Token != "secret" {
		t.Fatalf("watch body = %+v", body)
	}
	if body.Expiration != sub.ExpiresAt.UnixMilli() {
		t.Fatalf("Expiration = %d", body.Expiration)
	}
}

func TestGCalAPIDeleteStopsChannel(t *testing.T) {
	doer := &queuedDoer{responses: []*http.Response{
		subResponse(http.StatusNoContent, ``),
	}}
	api := NewGCalAPI(doer, staticTokens{token: "tok"}).WithBaseURL("https://gcal.test/v3")

	sub := domain.Subscription{ID: "sub-1", RemoteID: "res-42"}
	if err := api.Delete(context.Background(), domain.Connection{ID: "conn-1"}, sub); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	req := doer.requests[0]
	if req.URL.String() != "https://gcal.test/v3/channels/stop" {
		t.Fatalf("url = %s", req.URL)
	}
	var body gcalStopBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ID != "sub-1" || body.ResourceID != "res-42" {
		t.Fatalf("stop body = %+v", body)
	}
}

func TestGCalAPIDeleteNotFound(t *testing.T) {
	doer := &queuedDoer{responses: []*http.Response{
		subResponse(http.StatusNotFound, `{}`),
	}}
	api := NewGCalAPI(doer, staticTokens{token: "tok"}).WithBaseURL("https://gcal.test/v3")

	sub := domain.Subscription{ID: "sub-1", RemoteID: "res-42"}
	err := api.Delete(context.Background(), domain.Connection{ID: "conn-1"}, sub)
	if !errors.Is(err, ErrRemoteNotFound) {
		t.Fatalf("got %v, want ErrRemoteNotFound", err)
	}
}

func TestGCalAPIRenewNotSupported(t *testing.T) {
	api := NewGCalAPI(&queuedDoer{}, staticTokens{token: "tok"})
	sub := domain.Subscription{ID: "sub-1", RemoteID: "res-42"}
	_, err := api.Renew(context.Background(), domain.Connection{ID: "conn-1"}, sub, time.Now())
	if !errors.Is(err, ErrRenewNotSupported) {
		t.Fatalf("got %v, want ErrRenewNotSupported", err)
	}
}
