package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
)

func gcalConn() domain.Connection {
	return domain.Connection{ID: "conn-2", Provider: domain.ProviderGCal, CalendarID: "primary", Connected: true}
}

func TestGCalFullFetchPaginates(t *testing.T) {
	page1 := `{"items":[
		{"id":"a","summary":"One","start":{"dateTime":"2026-02-01T10:00:00Z"},"end":{"dateTime":"2026-02-01T11:00:00Z"}},
		{"id":"b","summary":"Two","start":{"dateTime":"2026-02-02T10:00:00Z"},"end":{"dateTime":"2026-02-02T11:00:00Z"}}
	],"nextPageToken":"pt-1"}`
	page2 := `{"items":[
		{"id":"c","summary":"Three","start":{"dateTime":"2026-02-03T10:00:00Z"},"end":{"dateTime":"2026-02-03T11:00:00Z"}},
		{"id":"d","summary":"Four","start":{"dateTime":"2026-02-04T10:00:00Z"},"end":{"dateTime":"2026-02-04T11:00:00Z"}}
	],"nextSyncToken":"st-final"}`
	doer := &fakeDoer{responses: []*http.Response{
		jsonResponse(200, page1, nil),
		jsonResponse(200, page2, nil),
	}}
	c := NewGCalClient(staticTokens{token: "tok"}, doer)

	first, err := c.FetchPage(context.Background(), gcalConn(), "")
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if !first.HasMore || len(first.Events) != 2 {
		t.Fatalf("unexpected first page: %+v", first)
	}
	q := doer.requests[0].URL.Query()
	if q.Get("timeMin") == "" || q.Get("syncToken") != "" {
		t.Fatalf("full fetch should use a time window: %v", q)
	}

	second, err := c.FetchPage(context.Background(), gcalConn(), first.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if second.HasMore || second.NextCursor != "sync=st-final" {
		t.Fatalf("final cursor should be the sync token: %+v", second)
	}
	if got := doer.requests[1].URL.Query().Get("pageToken"); got != "pt-1" {
		t.Fatalf("page token not forwarded: %q", got)
	}
}

func TestGCalIncrementalUsesSyncToken(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(200, `{"items":[],"nextSyncToken":"st-2"}`, nil)}}
	c := NewGCalClient(staticTokens{token: "tok"}, doer)
	page, err := c.FetchPage(context.Background(), gcalConn(), "sync=st-1")
	if err != nil {
		t.Fatal(err)
	}
	q := doer.requests[0].URL.Query()
	if q.Get("syncToken") != "st-1" || q.Get("timeMin") != "" {
		t.Fatalf("incremental fetch should replay the sync token: %v", q)
	}
	if page.NextCursor != "sync=st-2" {
		t.Fatalf("unexpected next cursor: %q", page.NextCursor)
	}
}

func TestGCalSyncTokenExpired(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(http.StatusGone, "", nil)}}
	c := NewGCalClient(staticTokens{token: "tok"}, doer)
	if _, err := c.FetchPage(context.Background(), gcalConn(), "sync=st-stale"); !errors.Is(err, ErrCursorInvalidated) {
		t.Fatalf("expected cursor invalidation, got %v", err)
	}
}

func TestGCalRateLimitDefaultsWhenHeaderMissing(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(http.StatusTooManyRequests, "", nil)}}
	c := NewGCalClient(staticTokens{token: "tok"}, doer)
	_, err := c.FetchPage(context.Background(), gcalConn(), "")
	var rl RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != time.Minute {
		t.Fatalf("expected 60s default retry-after, got %v", err)
	}
}

func TestGCalCancelledAndAllDay(t *testing.T) {
	body := `{"items":[
		{"id":"gone","status":"cancelled"},
		{"id":"day","summary":"Offsite","start":{"date":"2026-02-10"},"end":{"date":"2026-02-11"}}
	],"nextSyncToken":"st"}`
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(200, body, nil)}}
	c := NewGCalClient(staticTokens{token: "tok"}, doer)
	page, err := c.FetchPage(context.Background(), gcalConn(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !page.Events[0].Removed {
		t.Fatalf("cancelled event should be removed: %+v", page.Events[0])
	}
	day := page.Events[1]
	if !day.AllDay || !day.Start.Equal(time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("all-day parse wrong: %+v", day)
	}
}

func TestGCalNativeRuleParsing(t *testing.T) {
	body := `{"items":[{
		"id":"rec","summary":"Biweekly",
		"start":{"dateTime":"2026-02-03T09:00:00Z"},"end":{"dateTime":"2026-02-03T10:00:00Z"},
		"recurrence":["RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH;UNTIL=20251231T235959Z"],
		"attendees":[{"email":"a@test"},{"email":"b@test"}],
		"htmlLink":"https://cal.test/rec"
	}],"nextSyncToken":"st"}`
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(200, body, nil)}}
	c := NewGCalClient(staticTokens{token: "tok"}, doer)
	page, err := c.FetchPage(context.Background(), gcalConn(), "")
	if err != nil {
		t.Fatal(err)
	}
	rec := page.Events[0].Recurrence
	if rec == nil || rec.Frequency != domain.FreqWeekly || rec.Interval != 2 || len(rec.Weekdays) != 2 {
		t.Fatalf("unexpected pattern: %+v", rec)
	}
	if rec.Until.IsZero() {
		t.Fatal("until bound dropped")
	}
	meta := c.ExtractMetadata(page.Events[0])
	if meta["html_link"] != "https://cal.test/rec" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestGCalUnreadableCursor(t *testing.T) {
	c := NewGCalClient(staticTokens{token: "tok"}, &fakeDoer{})
	if _, err := c.FetchPage(context.Background(), gcalConn(), "sync=%zz"); !errors.Is(err, ErrCursorInvalidated) {
		t.Fatalf("expected invalidation for unreadable cursor, got %v", err)
	}
}
