package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/sevenofnine/calsync/internal/domain"
)

var freqNames = map[domain.RecurrenceFrequency]string{
	domain.FreqDaily:   "DAILY",
	domain.FreqWeekly:  "WEEKLY",
	domain.FreqMonthly: "MONTHLY",
	domain.FreqYearly:  "YEARLY",
}

var weekdayCodes = map[time.Weekday]string{
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
	time.Sunday:    "SU",
}

// Rule converts a provider-native recurrence pattern into a canonical
// RFC 5545 RRULE string. Unrecognized or absent input yields "".
//
// Weekly patterns carry an explicit BYDAY list. Monthly patterns are either
// absolute (BYMONTHDAY) or relative (signed ordinal prefixed to BYDAY, e.g.
// 1MO or -1FR). Yearly patterns carry BYMONTH. An until date emits an
// inclusive UNTIL bound, a count emits COUNT, and absence of both emits no
// end bound. INTERVAL is carried through whenever it is greater than 1.
func Rule(p *domain.RecurrencePattern) string {
	if p == nil {
		return ""
	}
	freq, ok := freqNames[p.Frequency]
	if !ok {
		return ""
	}

	parts := []string{"FREQ=" + freq}
	if p.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", p.Interval))
	}

	switch p.Frequency {
	case domain.FreqWeekly:
		if byday := weekdayList(p.Weekdays); byday != "" {
			parts = append(parts, "BYDAY="+byday)
		}
	case domain.FreqMonthly, domain.FreqYearly:
		if p.WeekOfMonth != 0 {
			byday := ordinalWeekdayList(p.WeekOfMonth, p.Weekdays)
			if byday == "" {
				return ""
			}
			parts = append(parts, "BYDAY="+byday)
		} else if p.MonthDay > 0 {
			parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", p.MonthDay))
		}
		if p.Frequency == domain.FreqYearly {
			if bymonth := monthList(p.Months); bymonth != "" {
				parts = append(parts, "BYMONTH="+bymonth)
			}
		}
	}

	switch {
	case !p.Until.IsZero():
		// Inclusive end date: the bound covers the whole final day.
		until := time.Date(p.Until.Year(), p.Until.Month(), p.Until.Day(), 23, 59, 59, 0, time.UTC)
		parts = append(parts, "UNTIL="+until.Format("20060102T150405Z"))
	case p.Count > 0:
		parts = append(parts, fmt.Sprintf("COUNT=%d", p.Count))
	}

	rule := strings.Join(parts, ";")
	// Only parseable rules are ever stored.
	if _, err := rrule.StrToRRule(rule); err != nil {
		return ""
	}
	return rule
}

func weekdayList(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	seen := make(map[time.Weekday]bool, len(days))
	ordered := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if _, ok := weekdayCodes[d]; !ok || seen[d] {
			continue
		}
		seen[d] = true
		ordered = append(ordered, d)
	}
	// Stable order regardless of provider ordering: Monday first.
	sort.Slice(ordered, func(i, j int) bool {
		return mondayIndex(ordered[i]) < mondayIndex(ordered[j])
	})
	codes := make([]string, 0, len(ordered))
	for _, d := range ordered {
		codes = append(codes, weekdayCodes[d])
	}
	return strings.Join(codes, ",")
}

func ordinalWeekdayList(ordinal int, days []time.Weekday) string {
	if ordinal < -1 || ordinal == 0 || ordinal > 5 || len(days) == 0 {
		return ""
	}
	base := weekdayList(days)
	if base == "" {
		return ""
	}
	codes := strings.Split(base, ",")
	for i, c := range codes {
		codes[i] = fmt.Sprintf("%d%s", ordinal, c)
	}
	return strings.Join(codes, ",")
}

func monthList(months []time.Month) string {
	if len(months) == 0 {
		return ""
	}
	seen := make(map[time.Month]bool, len(months))
	out := make([]int, 0, len(months))
	for _, m := range months {
		if m < time.January || m > time.December || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, int(m))
	}
	sort.Ints(out)
	parts := make([]string, len(out))
	for i, m := range out {
		parts[i] = fmt.Sprintf("%d", m)
	}
	return strings.Join(parts, ",")
}

func mondayIndex(d time.Weekday) int {
	if d == time.Sunday {
		return 6
	}
	return int(d) - 1
}
