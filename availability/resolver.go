package availability

import (
	"sort"
	"time"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// WEEKLY PATTERN MATCHER
// =============================================================================

// MatchWeekly returns the days whose weekday, computed in loc, is flagged in
// days. Order is preserved.
func MatchWeekly(sequence []time.Time, days Weekdays, loc *time.Location) []time.Time {
	matched := make([]time.Time, 0, len(sequence))
	for _, d := range sequence {
		if days.Has(generic.LocalWeekday(d, loc)) {
			matched = append(matched, d)
		}
	}
	return matched
}

// =============================================================================
// OVERRIDE RESOLVER
// =============================================================================

// Resolve computes union(matched, available) minus unavailable. Dates are
// compared by their zone-local calendar date string, deduplicated and
// returned ascending.
func Resolve(matched, available, unavailable []time.Time, loc *time.Location) []string {
	blocked := make(map[string]struct{}, len(unavailable))
	for _, d := range unavailable {
		blocked[generic.LocalDate(d, loc)] = struct{}{}
	}

	set := make(map[string]struct{}, len(matched)+len(available))
	add := func(days []time.Time) {
		for _, d := range days {
			key := generic.LocalDate(d, loc)
			if _, ok := blocked[key]; ok {
				continue
			}
			set[key] = struct{}{}
		}
	}
	add(matched)
	add(available)

	dates := make([]string, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	// YYYY-MM-DD sorts chronologically
	sort.Strings(dates)
	return dates
}

func overrideDates(overrides []Override) []time.Time {
	days := make([]time.Time, len(overrides))
	for i, o := range overrides {
		days[i] = o.Date
	}
	return days
}
