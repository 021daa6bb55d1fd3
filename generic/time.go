package generic

import (
	"fmt"
	"time"
	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo
)

// =============================================================================
// TIMEZONE RESOLUTION - The single place a provider zone is defaulted
// =============================================================================

// DefaultTimezone applies whenever a provider has not recorded a zone.
const DefaultTimezone = "America/New_York"

// DateLayout is the wire and comparison format of a zone-local calendar date.
const DateLayout = "2006-01-02"

// ResolveTimezone returns the zone name to use for a provider.
func ResolveTimezone(name string) string {
	if name == "" {
		return DefaultTimezone
	}
	return name
}

// ResolveLocation loads the provider zone, defaulting an empty name.
func ResolveLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(ResolveTimezone(name))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrBadRequest, name)
	}
	return loc, nil
}

// =============================================================================
// ZONE-LOCAL DAYS
// =============================================================================

// LocalDate formats an instant as the calendar date it falls on in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// LocalMidnight reformats t to its zone-local date string and reparses that
// date as midnight in loc. The result is the instant the local day begins.
func LocalMidnight(t time.Time, loc *time.Location) time.Time {
	day, _ := time.ParseInLocation(DateLayout, LocalDate(t, loc), loc)
	return day
}

// ParseLocalDate parses a YYYY-MM-DD string as midnight in loc.
func ParseLocalDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q (use YYYY-MM-DD)", ErrBadRequest, s)
	}
	return t, nil
}

// LocalWeekday is the weekday t falls on in loc, which may differ from the
// UTC weekday near midnight.
func LocalWeekday(t time.Time, loc *time.Location) time.Weekday {
	return t.In(loc).Weekday()
}

// IsPastDay reports whether day lies on a UTC calendar date strictly before
// now's UTC calendar date. The same UTC day is not past.
func IsPastDay(day, now time.Time) bool {
	return day.UTC().Format(DateLayout) < now.UTC().Format(DateLayout)
}
