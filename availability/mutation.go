package availability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// BULK OVERRIDE MUTATIONS
// =============================================================================
//
// Every mutation runs as one transaction:
//   1. reject a From on a past UTC day (today is not past)
//   2. reject From after To
//   3. resolve target services (explicit ids must be owned by the actor,
//      none means all of the actor's services)
//   4. soft-delete active overrides of the cleared kinds in the
//      zone-normalized window [From, To+1day)
//   5. insert one override per (day, service) of the inserted kind
//
// Concurrent edits of the same range resolve last-writer-wins at the
// transaction boundary.

// RangeRequest is a bulk edit over [From, To] (YYYY-MM-DD). To defaults to From.
type RangeRequest struct {
	Actor      generic.UserID
	From       string
	To         string
	ServiceIDs []generic.ServiceID
	Metadata   Metadata
}

// MutationResult summarizes an applied edit.
type MutationResult struct {
	ServiceIDs []generic.ServiceID
	Cleared    int64
	Inserted   int
}

type mutation struct {
	name   string
	clear  []OverrideKind
	insert OverrideKind // empty = clear only
}

var (
	addAvailable = mutation{
		name:   "add_available_dates",
		clear:  []OverrideKind{KindUnavailable, KindAvailable},
		insert: KindAvailable,
	}
	addUnavailable = mutation{
		name:   "add_unavailable_dates",
		clear:  []OverrideKind{KindUnavailable, KindAvailable},
		insert: KindUnavailable,
	}
	deleteUnavailable = mutation{
		name:  "delete_unavailability",
		clear: []OverrideKind{KindUnavailable},
	}
)

// Editor applies override and pattern edits on behalf of a provider.
type Editor struct {
	Store  TxStore
	Audit  generic.AuditLog // optional
	Logger *zap.Logger
	Now    func() time.Time
}

func NewEditor(store TxStore, audit generic.AuditLog, logger *zap.Logger) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{Store: store, Audit: audit, Logger: logger, Now: time.Now}
}

// AddAvailableDates replaces any overrides in the range with available ones.
func (e *Editor) AddAvailableDates(ctx context.Context, req RangeRequest) (*MutationResult, error) {
	return e.apply(ctx, req, addAvailable)
}

// AddUnavailableDates replaces any overrides in the range with unavailable
// ones carrying req.Metadata.
func (e *Editor) AddUnavailableDates(ctx context.Context, req RangeRequest) (*MutationResult, error) {
	return e.apply(ctx, req, addUnavailable)
}

// DeleteUnavailability clears unavailable overrides in the range. The weekly
// pattern and available overrides apply again afterwards.
func (e *Editor) DeleteUnavailability(ctx context.Context, req RangeRequest) (*MutationResult, error) {
	return e.apply(ctx, req, deleteUnavailable)
}

func (e *Editor) apply(ctx context.Context, req RangeRequest, m mutation) (*MutationResult, error) {
	if req.To == "" {
		req.To = req.From
	}
	if err := e.validateRange(req.From, req.To); err != nil {
		return nil, err
	}

	now := e.now()
	result := &MutationResult{}

	err := e.Store.WithTx(ctx, func(s Store) error {
		services, err := resolveServices(ctx, s, req.Actor, req.ServiceIDs)
		if err != nil {
			return err
		}

		for _, svc := range services {
			loc, err := generic.ResolveLocation(svc.Timezone)
			if err != nil {
				return err
			}
			start, err := generic.ParseLocalDate(req.From, loc)
			if err != nil {
				return err
			}
			end, err := generic.ParseLocalDate(req.To, loc)
			if err != nil {
				return err
			}
			window := generic.Window{Start: start, End: end, Location: loc}

			for _, kind := range m.clear {
				n, err := s.SoftDeleteOverrides(ctx, OverrideQuery{
					ServiceIDs: []generic.ServiceID{svc.ID},
					Kind:       kind,
					From:       window.Start,
					Until:      window.Until(),
				}, now)
				if err != nil {
					return fmt.Errorf("clear %s overrides of service %d: %w", kind, svc.ID, err)
				}
				result.Cleared += n
			}

			if m.insert == "" {
				result.ServiceIDs = append(result.ServiceIDs, svc.ID)
				continue
			}

			days := window.Days()
			rows := make([]Override, 0, len(days))
			for _, day := range days {
				rows = append(rows, Override{
					ServiceID: svc.ID,
					Kind:      m.insert,
					Date:      day,
					CreatedBy: req.Actor,
					Metadata:  metadataFor(m.insert, req.Metadata),
					CreatedAt: now,
				})
			}
			if err := s.InsertOverrides(ctx, rows); err != nil {
				return fmt.Errorf("insert %s overrides of service %d: %w", m.insert, svc.ID, err)
			}
			result.Inserted += len(rows)
			result.ServiceIDs = append(result.ServiceIDs, svc.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("overrides updated",
		zap.String("mutation", m.name),
		zap.Int64("actor", int64(req.Actor)),
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Int("services", len(result.ServiceIDs)),
		zap.Int64("cleared", result.Cleared),
		zap.Int("inserted", result.Inserted))

	e.audit(ctx, generic.AuditEntry{
		Timestamp: now,
		ActorID:   int64(req.Actor),
		Action:    generic.AuditOverridesEdited,
		Subject:   "user:" + strconv.FormatInt(int64(req.Actor), 10),
		Payload: map[string]string{
			"mutation": m.name,
			"from":     req.From,
			"to":       req.To,
			"inserted": strconv.Itoa(result.Inserted),
		},
	})
	return result, nil
}

func (e *Editor) validateRange(from, to string) error {
	fromDay, err := generic.ParseLocalDate(from, time.UTC)
	if err != nil {
		return err
	}
	toDay, err := generic.ParseLocalDate(to, time.UTC)
	if err != nil {
		return err
	}
	if generic.IsPastDay(fromDay, e.now()) {
		return &generic.RangeError{From: from, To: to, Reason: "start date is in the past"}
	}
	if fromDay.After(toDay) {
		return &generic.RangeError{From: from, To: to, Reason: "start date is after end date"}
	}
	return nil
}

// resolveServices validates explicit ids against the actor or expands to all
// of the actor's services. Unknown ids are reported as Unauthorized so the
// response does not reveal which services exist.
func resolveServices(ctx context.Context, s Store, actor generic.UserID, ids []generic.ServiceID) ([]Service, error) {
	if len(ids) == 0 {
		services, err := s.ListServicesByOwner(ctx, actor)
		if err != nil {
			return nil, fmt.Errorf("list services of user %d: %w", actor, err)
		}
		if len(services) == 0 {
			return nil, fmt.Errorf("user %d has no services: %w", actor, generic.ErrBadRequest)
		}
		return services, nil
	}

	seen := make(map[generic.ServiceID]bool, len(ids))
	services := make([]Service, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		svc, err := s.GetService(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load service %d: %w", id, err)
		}
		if svc == nil || svc.OwnerID != actor {
			return nil, fmt.Errorf("service %d does not belong to user %d: %w", id, actor, generic.ErrUnauthorized)
		}
		services = append(services, *svc)
	}
	return services, nil
}

func metadataFor(kind OverrideKind, m Metadata) Metadata {
	if kind != KindUnavailable || m == nil {
		return NoMetadata{}
	}
	return m
}

// =============================================================================
// WEEKLY PATTERN CONFIGURATION
// =============================================================================

// SetPattern creates or replaces the weekly pattern of a service owned by actor.
func (e *Editor) SetPattern(ctx context.Context, actor generic.UserID, id generic.ServiceID, days Weekdays, fullDay bool) (*Pattern, error) {
	pattern := Pattern{ServiceID: id, Days: days, FullDay: fullDay, UpdatedAt: e.now()}

	err := e.Store.WithTx(ctx, func(s Store) error {
		if _, err := resolveServices(ctx, s, actor, []generic.ServiceID{id}); err != nil {
			return err
		}
		return s.SavePattern(ctx, pattern)
	})
	if err != nil {
		return nil, err
	}

	e.audit(ctx, generic.AuditEntry{
		Timestamp: pattern.UpdatedAt,
		ActorID:   int64(actor),
		Action:    generic.AuditPatternChanged,
		Subject:   "service:" + strconv.FormatInt(int64(id), 10),
	})
	return &pattern, nil
}

func (e *Editor) audit(ctx context.Context, entry generic.AuditEntry) {
	if e.Audit == nil {
		return
	}
	if err := e.Audit.AppendAudit(ctx, entry); err != nil {
		e.Logger.Error("failed to append audit entry",
			zap.String("action", string(entry.Action)), zap.Error(err))
	}
}

func (e *Editor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}
