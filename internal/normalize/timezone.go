package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// abbreviations is a fixed best-effort disambiguation table for common
// timezone abbreviations and provider-specific display names. Ambiguous
// abbreviations resolve to their most common reading.
var abbreviations = map[string]string{
	"UTC": "UTC",
	"GMT": "UTC",
	"Z":   "UTC",

	"EST": "America/New_York",
	"EDT": "America/New_York",
	"CST": "America/Chicago",
	"CDT": "America/Chicago",
	"MST": "America/Denver",
	"MDT": "America/Denver",
	"PST": "America/Los_Angeles",
	"PDT": "America/Los_Angeles",

	"BST":  "Europe/London",
	"WET":  "Europe/Lisbon",
	"CET":  "Europe/Paris",
	"CEST": "Europe/Paris",
	"EET":  "Europe/Athens",
	"EEST": "Europe/Athens",

	"IST":  "Asia/Kolkata",
	"JST":  "Asia/Tokyo",
	"KST":  "Asia/Seoul",
	"HKT":  "Asia/Hong_Kong",
	"SGT":  "Asia/Singapore",
	"AEST": "Australia/Sydney",
	"AEDT": "Australia/Sydney",
	"NZST": "Pacific/Auckland",

	// Windows display names the graph provider reports.
	"Pacific Standard Time":  "America/Los_Angeles",
	"Mountain Standard Time": "America/Denver",
	"Central Standard Time":  "America/Chicago",
	"Eastern Standard Time":  "America/New_York",
	"GMT Standard Time":      "Europe/London",
	"W. Europe Standard Time": "Europe/Berlin",
	"Romance Standard Time":  "Europe/Paris",
	"Tokyo Standard Time":    "Asia/Tokyo",
	"Korea Standard Time":    "Asia/Seoul",
	"India Standard Time":    "Asia/Kolkata",
	"China Standard Time":    "Asia/Shanghai",
	"AUS Eastern Standard Time": "Australia/Sydney",
}

var offsetPattern = regexp.MustCompile(`^(?:UTC|GMT)?\s*([+-])(\d{1,2})(?::?(\d{2}))?$`)

// Timezone maps a provider timezone string (IANA identifier, common
// abbreviation, or fixed UTC-offset string) to a canonical IANA identifier.
// Unrecognized input falls back to UTC with a non-fatal warning rather than
// an error.
func Timezone(name string) (id string, warning string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "UTC", ""
	}
	if mapped, ok := abbreviations[trimmed]; ok {
		return mapped, ""
	}
	if _, err := time.LoadLocation(trimmed); err == nil {
		return trimmed, ""
	}
	if id, ok := offsetZone(trimmed); ok {
		return id, ""
	}
	return "UTC", fmt.Sprintf("unrecognized timezone %q, falling back to UTC", trimmed)
}

// Location resolves the canonical IANA zone for a provider timezone string.
// The fallback mirrors Timezone: unknown names load as UTC.
func Location(name string) (*time.Location, string) {
	id, warning := Timezone(name)
	loc, err := time.LoadLocation(id)
	if err != nil {
		return time.UTC, warning
	}
	return loc, warning
}

// Instant converts an event instant into its canonical zone. All-day events
// are excluded from conversion: their start/end represent calendar dates,
// not instants, and pass through unchanged.
func Instant(t time.Time, tz string, allDay bool) time.Time {
	if allDay {
		return t
	}
	loc, _ := Location(tz)
	return t.In(loc)
}

// offsetZone maps whole-hour fixed offsets onto Etc/GMT zones. The Etc
// naming convention inverts the sign: UTC+5 is Etc/GMT-5.
func offsetZone(s string) (string, bool) {
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil || hours > 14 {
		return "", false
	}
	if m[3] != "" && m[3] != "00" {
		// No Etc zone exists for fractional-hour offsets.
		return "", false
	}
	if hours == 0 {
		return "UTC", true
	}
	sign := "-"
	if m[1] == "-" {
		sign = "+"
	}
	id := fmt.Sprintf("Etc/GMT%s%d", sign, hours)
	if _, err := time.LoadLocation(id); err != nil {
		return "", false
	}
	return id, true
}
