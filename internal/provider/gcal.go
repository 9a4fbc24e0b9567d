package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/sevenofnine/calsync/internal/domain"
)

const (
	gcalDefaultBaseURL  = "https://calendar.example.com/v3"
	gcalPageSize        = 250
	gcalRetryAfterFloor = 60 * time.Second
	gcalLookBehind      = 30 * 24 * time.Hour
	gcalLookAhead       = 365 * 24 * time.Hour
)

// GCalClient is the delta adapter for the cursor-based provider. The durable
// cursor is an opaque "sync=<token>" fragment; intermediate pagination
// cursors add a "page=<token>" component so one FetchPage call maps to one
// remote page.
type GCalClient struct {
	baseURL string
	client  HTTPDoer
	tokens  TokenSource
	now     func() time.Time
}

func NewGCalClient(tokens TokenSource, client HTTPDoer) *GCalClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GCalClient{baseURL: gcalDefaultBaseURL, client: client, tokens: tokens, now: time.Now}
}

func (c *GCalClient) WithBaseURL(base string) *GCalClient {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

func (c *GCalClient) Provider() domain.Provider { return domain.ProviderGCal }

func (c *GCalClient) FetchPage(ctx context.Context, conn domain.Connection, cursor string) (Page, error) {
	token, err := c.tokens.AccessToken(ctx, conn.ID)
	if err != nil {
		return Page{}, fmt.Errorf("access token: %w", err)
	}

	state, err := url.ParseQuery(cursor)
	if err != nil {
		// A cursor we cannot read is a cursor the sync cannot resume from.
		return Page{}, fmt.Errorf("unreadable cursor: %w", ErrCursorInvalidated)
	}
	syncToken := state.Get("sync")
	pageToken := state.Get("page")

	params := url.Values{}
	params.Set("maxResults", fmt.Sprintf("%d", gcalPageSize))
	params.Set("singleEvents", "false")
	if syncToken != "" {
		params.Set("syncToken", syncToken)
	} else {
		now := c.now().UTC()
		params.Set("timeMin", now.Add(-gcalLookBehind).Format(time.RFC3339))
		params.Set("timeMax", now.Add(gcalLookAhead).Format(time.RFC3339))
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	target := fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, url.PathEscape(conn.CalendarID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch events page: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusGone && syncToken != "":
		return Page{}, fmt.Errorf("sync token expired: %w", ErrCursorInvalidated)
	default:
		return Page{}, statusError(resp.StatusCode, retryAfterHeader(resp, gcalRetryAfterFloor))
	}

	var payload struct {
		Items         []json.RawMessage `json:"items"`
		NextPageToken string            `json:"nextPageToken"`
		NextSyncToken string            `json:"nextSyncToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Page{}, fmt.Errorf("decode events page: %w: %v", ErrTransient, err)
	}

	page := Page{Events: make([]domain.ProviderEvent, 0, len(payload.Items))}
	for _, raw := range payload.Items {
		ev, err := parseGCalEvent(raw)
		if err != nil {
			page.Malformed = append(page.Malformed, asEventError(err))
			continue
		}
		page.Events = append(page.Events, ev)
	}

	if payload.NextPageToken != "" {
		next := url.Values{}
		next.Set("page", payload.NextPageToken)
		if syncToken != "" {
			next.Set("sync", syncToken)
		}
		page.NextCursor = next.Encode()
		page.HasMore = true
	} else if payload.NextSyncToken != "" {
		next := url.Values{}
		next.Set("sync", payload.NextSyncToken)
		page.NextCursor = next.Encode()
	}
	return page, nil
}

func (c *GCalClient) ExtractMetadata(ev domain.ProviderEvent) map[string]any {
	return ev.Metadata
}

type gcalMoment struct {
	Date     string `json:"date"`
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func parseGCalEvent(raw json.RawMessage) (domain.ProviderEvent, error) {
	var item struct {
		ID               string     `json:"id"`
		Status           string     `json:"status"`
		Summary          string     `json:"summary"`
		Description      string     `json:"description"`
		Location         string     `json:"location"`
		Start            gcalMoment `json:"start"`
		End              gcalMoment `json:"end"`
		Recurrence       []string   `json:"recurrence"`
		RecurringEventID string     `json:"recurringEventId"`
		Updated          string     `json:"updated"`
		HTMLLink         string     `json:"htmlLink"`
		Attendees        []struct {
			Email          string `json:"email"`
			ResponseStatus string `json:"responseStatus"`
		} `json:"attendees"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.ProviderEvent{}, EventError{Reason: "invalid json: " + err.Error()}
	}
	if item.ID == "" {
		return domain.ProviderEvent{}, EventError{Reason: "missing id"}
	}
	if item.Status == "cancelled" {
		return domain.ProviderEvent{ID: item.ID, Status: domain.EventStatusCancelled, Removed: true}, nil
	}

	start, allDay, err := parseGCalMoment(item.Start)
	if err != nil {
		return domain.ProviderEvent{}, EventError{ProviderEventID: item.ID, Reason: "invalid start: " + err.Error()}
	}
	end, _, err := parseGCalMoment(item.End)
	if err != nil {
		return domain.ProviderEvent{}, EventError{ProviderEventID: item.ID, Reason: "invalid end: " + err.Error()}
	}

	status := domain.EventStatusConfirmed
	if item.Status == "tentative" {
		status = domain.EventStatusTentative
	}

	ev := domain.ProviderEvent{
		ID:             item.ID,
		Title:          item.Summary,
		Description:    item.Description,
		Location:       item.Location,
		Start:          start,
		End:            end,
		AllDay:         allDay,
		Timezone:       item.Start.TimeZone,
		Status:         status,
		SeriesMasterID: item.RecurringEventID,
		Recurrence:     gcalPattern(item.Recurrence),
	}
	if item.Updated != "" {
		if mod, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.LastModified = mod
		}
	}

	meta := map[string]any{}
	if item.HTMLLink != "" {
		meta["html_link"] = item.HTMLLink
	}
	if len(item.Attendees) > 0 {
		attendees := make([]string, 0, len(item.Attendees))
		for _, a := range item.Attendees {
			if a.Email != "" {
				attendees = append(attendees, a.Email)
			}
		}
		meta["attendees"] = attendees
	}
	if len(meta) > 0 {
		ev.Metadata = meta
	}
	return ev, nil
}

func parseGCalMoment(v gcalMoment) (time.Time, bool, error) {
	if v.Date != "" {
		t, err := time.Parse("2006-01-02", v.Date)
		return t, true, err
	}
	if v.DateTime == "" {
		return time.Time{}, false, fmt.Errorf("missing date and dateTime")
	}
	t, err := time.Parse(time.RFC3339, v.DateTime)
	return t, false, err
}

var rruleFreqs = map[rrule.Frequency]domain.RecurrenceFrequency{
	rrule.DAILY:   domain.FreqDaily,
	rrule.WEEKLY:  domain.FreqWeekly,
	rrule.MONTHLY: domain.FreqMonthly,
	rrule.YEARLY:  domain.FreqYearly,
}

// gcalPattern translates the provider's native RRULE lines into the neutral
// pattern. EXDATE/RDATE lines are skipped; only the first RRULE counts.
func gcalPattern(lines []string) *domain.RecurrencePattern {
	for _, line := range lines {
		rule := strings.TrimPrefix(strings.TrimSpace(line), "RRULE:")
		if rule == line && !strings.HasPrefix(line, "FREQ=") {
			continue
		}
		opt, err := rrule.StrToROption(rule)
		if err != nil {
			continue
		}
		freq, ok := rruleFreqs[opt.Freq]
		if !ok {
			continue
		}
		p := domain.RecurrencePattern{Frequency: freq, Interval: opt.Interval, Count: opt.Count}
		for _, wd := range opt.Byweekday {
			p.Weekdays = append(p.Weekdays, rruleWeekday(wd.Day()))
			if n := wd.N(); n != 0 && p.WeekOfMonth == 0 {
				p.WeekOfMonth = n
			}
		}
		if len(opt.Bymonthday) > 0 && opt.Bymonthday[0] > 0 {
			p.MonthDay = opt.Bymonthday[0]
		}
		for _, m := range opt.Bymonth {
			if m >= 1 && m <= 12 {
				p.Months = append(p.Months, time.Month(m))
			}
		}
		if !opt.Until.IsZero() {
			p.Until = opt.Until
		}
		return &p
	}
	return nil
}

// rruleWeekday maps rrule's Monday-based weekday index onto time.Weekday.
func rruleWeekday(day int) time.Weekday {
	if day == 6 {
		return time.Sunday
	}
	return time.Weekday(day + 1)
}
