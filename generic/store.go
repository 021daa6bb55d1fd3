package generic

import (
	"context"
	"time"
)

// =============================================================================
// AUDIT LOG - Separate from domain tables, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	ActorID   int64 // 0 = system (cron sweep)
	Action    AuditAction
	Subject   string // e.g. "billing_transaction:42"
	Payload   map[string]string
}

type AuditAction string

const (
	AuditChargeRecorded  AuditAction = "charge_recorded"
	AuditPayoutLocked    AuditAction = "payout_locked"
	AuditPayoutUnlocked  AuditAction = "payout_unlocked"
	AuditPayoutFinished  AuditAction = "payout_finished"
	AuditOverridesEdited AuditAction = "overrides_edited"
	AuditPatternChanged  AuditAction = "pattern_changed"
)

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	Subject string
	Actions []AuditAction
	Limit   int
}

// Matches reports whether e passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}
