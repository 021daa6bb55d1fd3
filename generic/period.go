package generic

import "time"

// =============================================================================
// DATE RANGE - Inclusive sequence of calendar days
// =============================================================================

// GenerateDays returns one instant per calendar day in [start, end], ascending.
// Each step adds one calendar day to the wall clock (AddDate), never 24 hours,
// so daylight-saving transitions cannot skip or repeat a day. The generator
// does not localize; callers pass instants already normalized with
// LocalMidnight. start after end yields an empty sequence.
func GenerateDays(start, end time.Time) []time.Time {
	if start.After(end) {
		return []time.Time{}
	}
	var days []time.Time
	for current := start; !current.After(end); current = current.AddDate(0, 0, 1) {
		days = append(days, current)
	}
	return days
}

// Window is a zone-normalized query window: Start is the local midnight of the
// first day, End the local midnight of the last day (inclusive).
type Window struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// NewWindow normalizes [start, end] to local midnights in loc. An end before
// start collapses the window to the single day of start.
func NewWindow(start, end time.Time, loc *time.Location) Window {
	s := LocalMidnight(start, loc)
	e := LocalMidnight(end, loc)
	if e.Before(s) {
		e = s
	}
	return Window{Start: s, End: e, Location: loc}
}

// Days returns the local midnight of every day in the window.
func (w Window) Days() []time.Time {
	return GenerateDays(w.Start, w.End)
}

// Until is the exclusive upper bound: local midnight of the day after End.
func (w Window) Until() time.Time {
	return w.End.AddDate(0, 0, 1)
}

// Contains reports whether t falls in [Start, Until).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.Until())
}

// String returns a representation of the window in local dates.
func (w Window) String() string {
	return "[" + LocalDate(w.Start, w.Location) + ", " + LocalDate(w.End, w.Location) + "]"
}

// Bound is one end of a query window: either an instant or a calendar date.
// A calendar date names the same day in whatever zone the window is built in.
type Bound struct {
	instant time.Time
	date    string
}

// InstantBound bounds a window by the local day t falls on.
func InstantBound(t time.Time) Bound {
	return Bound{instant: t}
}

// DateBound bounds a window by a YYYY-MM-DD calendar date.
func DateBound(date string) Bound {
	return Bound{date: date}
}

// In returns the local midnight of the bound's day in loc.
func (b Bound) In(loc *time.Location) (time.Time, error) {
	if b.date != "" {
		return ParseLocalDate(b.date, loc)
	}
	return LocalMidnight(b.instant, loc), nil
}

// WindowOf resolves both bounds in loc and builds the window between them.
func WindowOf(start, end Bound, loc *time.Location) (Window, error) {
	s, err := start.In(loc)
	if err != nil {
		return Window{}, err
	}
	e, err := end.In(loc)
	if err != nil {
		return Window{}, err
	}
	return NewWindow(s, e, loc), nil
}
