package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/normalize"
)

const (
	graphDefaultBaseURL  = "https://graph.example.com/v1.0"
	graphPageSize        = 100
	graphRetryAfterFloor = 60 * time.Second
)

var graphSelectFields = strings.Join([]string{
	"id", "subject", "bodyPreview", "location", "start", "end",
	"isAllDay", "isCancelled", "importance", "categories", "recurrence",
	"seriesMasterId", "webLink", "isOnlineMeeting", "onlineMeetingUrl",
	"onlineMeeting", "lastModifiedDateTime",
}, ",")

// GraphClient is the delta adapter for the webhook-capable provider. The
// cursor is the provider-issued delta link; intermediate pagination cursors
// are next links followed page by page.
type GraphClient struct {
	baseURL string
	client  HTTPDoer
	tokens  TokenSource
}

func NewGraphClient(tokens TokenSource, client HTTPDoer) *GraphClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GraphClient{baseURL: graphDefaultBaseURL, client: client, tokens: tokens}
}

// WithBaseURL points the adapter at a different API host. Used by tests.
func (c *GraphClient) WithBaseURL(base string) *GraphClient {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

func (c *GraphClient) Provider() domain.Provider { return domain.ProviderGraph }

func (c *GraphClient) FetchPage(ctx context.Context, conn domain.Connection, cursor string) (Page, error) {
	token, err := c.tokens.AccessToken(ctx, conn.ID)
	if err != nil {
		return Page{}, fmt.Errorf("access token: %w", err)
	}

	target := cursor
	usingCursor := cursor != ""
	if !usingCursor {
		target = fmt.Sprintf("%s/me/calendars/%s/events/delta?$select=%s&$top=%d",
			c.baseURL, url.PathEscape(conn.CalendarID), url.QueryEscape(graphSelectFields), graphPageSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch delta page: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusGone && usingCursor:
		return Page{}, fmt.Errorf("delta link rejected: %w", ErrCursorInvalidated)
	default:
		return Page{}, statusError(resp.StatusCode, retryAfterHeader(resp, graphRetryAfterFloor))
	}

	var payload struct {
		Value     []json.RawMessage `json:"value"`
		NextLink  string            `json:"@odata.nextLink"`
		DeltaLink string            `json:"@odata.deltaLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Page{}, fmt.Errorf("decode delta page: %w: %v", ErrTransient, err)
	}

	page := Page{Events: make([]domain.ProviderEvent, 0, len(payload.Value))}
	for _, raw := range payload.Value {
		ev, err := parseGraphEvent(raw)
		if err != nil {
			page.Malformed = append(page.Malformed, asEventError(err))
			continue
		}
		page.Events = append(page.Events, ev)
	}

	if payload.NextLink != "" {
		page.NextCursor = payload.NextLink
		page.HasMore = true
	} else {
		page.NextCursor = payload.DeltaLink
	}
	return page, nil
}

func (c *GraphClient) ExtractMetadata(ev domain.ProviderEvent) map[string]any {
	return ev.Metadata
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphRecurrence struct {
	Pattern struct {
		Type       string   `json:"type"`
		Interval   int      `json:"interval"`
		DaysOfWeek []string `json:"daysOfWeek"`
		DayOfMonth int      `json:"dayOfMonth"`
		Index      string   `json:"index"`
		Month      int      `json:"month"`
	} `json:"pattern"`
	Range struct {
		Type                string `json:"type"`
		EndDate             string `json:"endDate"`
		NumberOfOccurrences int    `json:"numberOfOccurrences"`
	} `json:"range"`
}

func parseGraphEvent(raw json.RawMessage) (domain.ProviderEvent, error) {
	var item struct {
		ID          string `json:"id"`
		Removed     *struct {
			Reason string `json:"reason"`
		} `json:"@removed"`
		Subject     string        `json:"subject"`
		BodyPreview string        `json:"bodyPreview"`
		Location    struct {
			DisplayName string `json:"displayName"`
		} `json:"location"`
		Start            graphDateTime    `json:"start"`
		End              graphDateTime    `json:"end"`
		IsAllDay         bool             `json:"isAllDay"`
		IsCancelled      bool             `json:"isCancelled"`
		Importance       string           `json:"importance"`
		Categories       []string         `json:"categories"`
		Recurrence       *graphRecurrence `json:"recurrence"`
		SeriesMasterID   string           `json:"seriesMasterId"`
		WebLink          string           `json:"webLink"`
		IsOnlineMeeting  bool             `json:"isOnlineMeeting"`
		OnlineMeetingURL string           `json:"onlineMeetingUrl"`
		OnlineMeeting    *struct {
			JoinURL      string `json:"joinUrl"`
			ConferenceID string `json:"conferenceId"`
		} `json:"onlineMeeting"`
		LastModified string `json:"lastModifiedDateTime"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.ProviderEvent{}, EventError{Reason: "invalid json: " + err.Error()}
	}
	if item.ID == "" {
		return domain.ProviderEvent{}, EventError{Reason: "missing id"}
	}
	if item.Removed != nil {
		return domain.ProviderEvent{ID: item.ID, Removed: true}, nil
	}

	start, err := parseGraphTime(item.Start, item.IsAllDay)
	if err != nil {
		return domain.ProviderEvent{}, EventError{ProviderEventID: item.ID, Reason: "invalid start: " + err.Error()}
	}
	end, err := parseGraphTime(item.End, item.IsAllDay)
	if err != nil {
		return domain.ProviderEvent{}, EventError{ProviderEventID: item.ID, Reason: "invalid end: " + err.Error()}
	}

	status := domain.EventStatusConfirmed
	removed := false
	if item.IsCancelled {
		status = domain.EventStatusCancelled
		removed = true
	}

	ev := domain.ProviderEvent{
		ID:             item.ID,
		Title:          item.Subject,
		Description:    item.BodyPreview,
		Location:       item.Location.DisplayName,
		Start:          start,
		End:            end,
		AllDay:         item.IsAllDay,
		Timezone:       item.Start.TimeZone,
		Status:         status,
		SeriesMasterID: item.SeriesMasterID,
		Recurrence:     graphPattern(item.Recurrence),
		Removed:        removed,
	}
	if item.LastModified != "" {
		if mod, err := time.Parse(time.RFC3339, item.LastModified); err == nil {
			ev.LastModified = mod
		}
	}

	meta := map[string]any{}
	if item.Importance != "" {
		meta["importance"] = item.Importance
	}
	if len(item.Categories) > 0 {
		meta["categories"] = item.Categories
	}
	if item.WebLink != "" {
		meta["web_link"] = item.WebLink
	}
	if item.IsOnlineMeeting {
		meta["online_meeting"] = true
		if item.OnlineMeeting != nil {
			meta["join_url"] = item.OnlineMeeting.JoinURL
			if item.OnlineMeeting.ConferenceID != "" {
				meta["conference_id"] = item.OnlineMeeting.ConferenceID
			}
		} else if item.OnlineMeetingURL != "" {
			meta["join_url"] = item.OnlineMeetingURL
		}
	}
	if len(meta) > 0 {
		ev.Metadata = meta
	}
	return ev, nil
}

func parseGraphTime(v graphDateTime, allDay bool) (time.Time, error) {
	raw := strings.TrimSpace(v.DateTime)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	// The API emits 7-digit fractional seconds with no zone designator.
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	if allDay {
		t, err := time.Parse("2006-01-02T15:04:05", raw)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	loc, _ := normalize.Location(v.TimeZone)
	return time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
}

var graphWeekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var graphOrdinals = map[string]int{
	"first":  1,
	"second": 2,
	"third":  3,
	"fourth": 4,
	"last":   -1,
}

// graphPattern translates the provider's recurrence object into the
// provider-neutral pattern the normalizer consumes. Unknown pattern types
// yield nil, which downstream treats as "no rule".
func graphPattern(rec *graphRecurrence) *domain.RecurrencePattern {
	if rec == nil {
		return nil
	}
	p := domain.RecurrencePattern{Interval: rec.Pattern.Interval}

	switch rec.Pattern.Type {
	case "daily":
		p.Frequency = domain.FreqDaily
	case "weekly":
		p.Frequency = domain.FreqWeekly
	case "absoluteMonthly":
		p.Frequency = domain.FreqMonthly
		p.MonthDay = rec.Pattern.DayOfMonth
	case "relativeMonthly":
		p.Frequency = domain.FreqMonthly
		p.WeekOfMonth = graphOrdinals[rec.Pattern.Index]
	case "absoluteYearly":
		p.Frequency = domain.FreqYearly
		p.MonthDay = rec.Pattern.DayOfMonth
	case "relativeYearly":
		p.Frequency = domain.FreqYearly
		p.WeekOfMonth = graphOrdinals[rec.Pattern.Index]
	default:
		return nil
	}

	for _, name := range rec.Pattern.DaysOfWeek {
		if wd, ok := graphWeekdays[strings.ToLower(name)]; ok {
			p.Weekdays = append(p.Weekdays, wd)
		}
	}
	if rec.Pattern.Month >= 1 && rec.Pattern.Month <= 12 {
		p.Months = []time.Month{time.Month(rec.Pattern.Month)}
	}

	switch rec.Range.Type {
	case "endDate":
		if t, err := time.Parse("2006-01-02", rec.Range.EndDate); err == nil {
			p.Until = t
		}
	case "numbered":
		p.Count = rec.Range.NumberOfOccurrences
	}
	return &p
}

func asEventError(err error) EventError {
	if ee, ok := err.(EventError); ok {
		return ee
	}
	return EventError{Reason: err.Error()}
}
