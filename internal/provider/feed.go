package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/sevenofnine/calsync/internal/domain"
)

const feedRetryAfterFloor = 60 * time.Second

// FeedClient is the read-only feed-subscription adapter. Feeds carry no
// delta cursor, so every fetch is a full fetch returned as a single page
// with an empty next cursor.
type FeedClient struct {
	client    HTTPDoer
	validator URLValidator
}

func NewFeedClient(validator URLValidator, client HTTPDoer) *FeedClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FeedClient{client: client, validator: validator}
}

func (c *FeedClient) Provider() domain.Provider { return domain.ProviderFeed }

func (c *FeedClient) FetchPage(ctx context.Context, conn domain.Connection, cursor string) (Page, error) {
	if conn.FeedURL == "" {
		return Page{}, fmt.Errorf("connection %s has no feed url", conn.ID)
	}
	// The outbound URL must pass validation before any fetch is issued.
	if c.validator != nil {
		if err := c.validator.Validate(ctx, conn.FeedURL); err != nil {
			return Page{}, fmt.Errorf("feed url rejected: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.FeedURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch feed: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, statusError(resp.StatusCode, retryAfterHeader(resp, feedRetryAfterFloor))
	}

	cal, err := ical.ParseCalendar(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("parse feed: %w: %v", ErrTransient, err)
	}

	var page Page
	for _, ve := range cal.Events() {
		ev, err := parseFeedEvent(ve)
		if err != nil {
			page.Malformed = append(page.Malformed, asEventError(err))
			continue
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func (c *FeedClient) ExtractMetadata(ev domain.ProviderEvent) map[string]any {
	return ev.Metadata
}

func parseFeedEvent(ve *ical.VEvent) (domain.ProviderEvent, error) {
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return domain.ProviderEvent{}, EventError{Reason: "missing UID"}
	}

	ev := domain.ProviderEvent{ID: uid.Value, Status: domain.EventStatusConfirmed}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		switch strings.ToUpper(strings.TrimSpace(p.Value)) {
		case "CANCELLED":
			ev.Status = domain.EventStatusCancelled
			ev.Removed = true
		case "TENTATIVE":
			ev.Status = domain.EventStatusTentative
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || dtStart.Value == "" {
		return domain.ProviderEvent{}, EventError{ProviderEventID: ev.ID, Reason: "missing DTSTART"}
	}
	// VALUE=DATE or a date-only value marks an all-day event.
	if params := dtStart.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			ev.AllDay = true
		}
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			ev.Timezone = tzs[0]
		}
	}
	if !strings.Contains(dtStart.Value, "T") {
		ev.AllDay = true
	}

	start, err := parseFeedTime(dtStart.Value)
	if err != nil {
		return domain.ProviderEvent{}, EventError{ProviderEventID: ev.ID, Reason: "invalid DTSTART: " + err.Error()}
	}
	ev.Start = start
	ev.End = start
	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil && dtEnd.Value != "" {
		if end, err := parseFeedTime(dtEnd.Value); err == nil {
			ev.End = end
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyLastModified); p != nil {
		if mod, err := parseFeedTime(p.Value); err == nil {
			ev.LastModified = mod
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		ev.Recurrence = gcalPattern([]string{p.Value})
	}
	return ev, nil
}

func parseFeedTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.Parse("20060102T150405", v)
	default:
		return time.Parse("20060102", v)
	}
}
