/*
Package generic provides the domain-agnostic primitives shared by the
availability calendar and the billing payout engines.

PURPOSE:
  Both engines do their day-boundary math in a provider's IANA zone and
  report failures through one error taxonomy. Keeping those pieces here
  guarantees identical defaulting and comparison semantics everywhere.

KEY CONCEPTS:
  - Zone resolution: ResolveLocation is the only place the default zone
    (America/New_York) is applied
  - Zone-local date: the YYYY-MM-DD string an instant falls on in a zone;
    days are compared by this string, never by instant equality
  - Window: a query range normalized to local midnights
  - Audit entries: who locked, unlocked, paid or edited what

DESIGN PRINCIPLES:
  1. Naive-day arithmetic: add calendar days, not 24 hours
  2. Explicit errors: sentinels plus structured errors that unwrap to them
  3. No persistence here: stores live in generic/store and store/sqlite

SEE ALSO:
  - time.go: zone resolution and local dates
  - period.go: date range generator and windows
  - errors.go: error taxonomy
*/
package generic

// Identifiers shared across packages.
type (
	UserID     int64
	ProviderID int64
	ServiceID  int64
)

// ServiceIDs converts raw ids from the wire.
func ServiceIDs(raw []int64) []ServiceID {
	ids := make([]ServiceID, len(raw))
	for i, id := range raw {
		ids[i] = ServiceID(id)
	}
	return ids
}
