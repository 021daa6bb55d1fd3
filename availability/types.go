/*
Package availability computes which calendar dates a provider's service can
be booked on, and applies bulk edits to per-date overrides.

PURPOSE:
  A provider configures a recurring weekly pattern per service and layers
  explicit per-date overrides on top. The externally visible bookability of
  (service, date) is:

    (patternMatches(date) OR activeAvailableOverride(date))
      AND NOT activeUnavailableOverride(date)

  All day math happens in the provider's zone (see generic.ResolveLocation).

PIPELINE (leaves first):
  generic.GenerateDays  ->  MatchWeekly  ->  Resolve  ->  Calendar

KEY TYPES:
  Service:  a bookable service offering with its owner and provider zone
  Pattern:  seven weekday flags plus a full-day flag, one per service
  Override: an explicit available/unavailable date, soft-deleted when superseded
  Metadata: closed sum type for override metadata (none, holiday, reason)

SEE ALSO:
  - calendar.go: calendar query service
  - mutation.go: bulk override transactions
  - store/sqlite/sqlite.go: persistence
*/
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// SERVICE & PATTERN
// =============================================================================

// Service is a bookable service offering. Timezone is the provider's zone,
// possibly empty.
type Service struct {
	ID         generic.ServiceID
	ProviderID generic.ProviderID
	OwnerID    generic.UserID
	Name       string
	Timezone   string
}

// Weekdays holds one availability flag per weekday, indexed by time.Weekday
// (Sunday = 0).
type Weekdays [7]bool

// Has reports whether wd is flagged available.
func (w Weekdays) Has(wd time.Weekday) bool { return w[wd] }

// Any reports whether at least one weekday is flagged.
func (w Weekdays) Any() bool {
	for _, on := range w {
		if on {
			return true
		}
	}
	return false
}

// WeekdaysOf builds a flag set from the given days.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w[d] = true
	}
	return w
}

// Pattern is the recurring weekly availability of one service.
type Pattern struct {
	ServiceID generic.ServiceID
	Days      Weekdays
	FullDay   bool
	UpdatedAt time.Time
}

// =============================================================================
// OVERRIDES
// =============================================================================

type OverrideKind string

const (
	KindAvailable   OverrideKind = "available"
	KindUnavailable OverrideKind = "unavailable"
)

// Override is an explicit per-date record layered over the weekly pattern.
// Date is the local midnight of the overridden day in the provider's zone.
type Override struct {
	ID        int64
	ServiceID generic.ServiceID
	Kind      OverrideKind
	Date      time.Time
	CreatedBy generic.UserID
	Metadata  Metadata
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Metadata is the closed set of override annotations.
type Metadata interface {
	metadataTag() string
}

// NoMetadata marks an override without annotation.
type NoMetadata struct{}

// HolidayMetadata names the holiday an override was created for.
type HolidayMetadata struct {
	Name string `json:"name"`
}

// ReasonMetadata carries a free-text reason.
type ReasonMetadata struct {
	Reason string `json:"reason"`
}

func (NoMetadata) metadataTag() string      { return "" }
func (HolidayMetadata) metadataTag() string { return "holiday" }
func (ReasonMetadata) metadataTag() string  { return "reason" }

// EncodeMetadata returns the tag and JSON payload to persist.
func EncodeMetadata(m Metadata) (tag string, payload string, err error) {
	switch v := m.(type) {
	case nil, NoMetadata:
		return "", "", nil
	case HolidayMetadata, ReasonMetadata:
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return m.metadataTag(), string(b), nil
	default:
		return "", "", fmt.Errorf("unsupported override metadata %T", m)
	}
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(tag, payload string) (Metadata, error) {
	switch tag {
	case "":
		return NoMetadata{}, nil
	case "holiday":
		var h HolidayMetadata
		if err := json.Unmarshal([]byte(payload), &h); err != nil {
			return nil, fmt.Errorf("decode holiday metadata: %w", err)
		}
		return h, nil
	case "reason":
		var r ReasonMetadata
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode reason metadata: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown override metadata tag %q", tag)
	}
}

// =============================================================================
// STORE
// =============================================================================

// OverrideQuery selects active overrides whose Date lies in [From, Until).
type OverrideQuery struct {
	ServiceIDs []generic.ServiceID
	Kind       OverrideKind
	From       time.Time
	Until      time.Time
}

// Store persists services, patterns and overrides. All override reads return
// active (not soft-deleted) rows only.
type Store interface {
	// GetService returns nil, nil when the service does not exist.
	GetService(ctx context.Context, id generic.ServiceID) (*Service, error)

	// ListServicesByOwner returns the owner's active services ordered by id.
	ListServicesByOwner(ctx context.Context, owner generic.UserID) ([]Service, error)

	// GetPattern returns nil, nil when no pattern is configured.
	GetPattern(ctx context.Context, id generic.ServiceID) (*Pattern, error)

	SavePattern(ctx context.Context, p Pattern) error

	ListOverrides(ctx context.Context, q OverrideQuery) ([]Override, error)

	// SoftDeleteOverrides marks matching active rows deleted at `at` and
	// returns how many rows were affected.
	SoftDeleteOverrides(ctx context.Context, q OverrideQuery, at time.Time) (int64, error)

	InsertOverrides(ctx context.Context, overrides []Override) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. A non-nil error rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
