package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// AVAILABILITY STORE (availability.TxStore interface)
// =============================================================================

// Availability implements availability.TxStore.
type Availability struct {
	availabilityRepo
	s *Store
}

var _ availability.TxStore = (*Availability)(nil)

// WithTx executes fn within a database transaction.
func (a *Availability) WithTx(ctx context.Context, fn func(availability.Store) error) error {
	return a.s.withTx(ctx, nil, func(tx *sql.Tx) error {
		return fn(availabilityRepo{q: tx})
	})
}

// SaveService creates or updates a service. The provider must exist.
func (s *Store) SaveService(ctx context.Context, svc availability.Service) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, provider_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET provider_id = excluded.provider_id, name = excluded.name
	`, svc.ID, svc.ProviderID, svc.Name, formatTime(time.Now()))
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("service %d: provider %d: %w", svc.ID, svc.ProviderID, generic.ErrNotFound)
		}
		return fmt.Errorf("failed to save service %d: %w", svc.ID, err)
	}
	return nil
}

type availabilityRepo struct {
	q querier
}

const serviceColumns = `s.id, s.provider_id, p.user_id, s.name, p.timezone`

func (r availabilityRepo) GetService(ctx context.Context, id generic.ServiceID) (*availability.Service, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services s JOIN providers p ON p.id = s.provider_id
		WHERE s.id = ? AND s.deleted_at IS NULL
	`, id)

	var svc availability.Service
	err := row.Scan(&svc.ID, &svc.ProviderID, &svc.OwnerID, &svc.Name, &svc.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load service %d: %w", id, err)
	}
	return &svc, nil
}

func (r availabilityRepo) ListServicesByOwner(ctx context.Context, owner generic.UserID) ([]availability.Service, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services s JOIN providers p ON p.id = s.provider_id
		WHERE p.user_id = ? AND s.deleted_at IS NULL
		ORDER BY s.id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var out []availability.Service
	for rows.Next() {
		var svc availability.Service
		if err := rows.Scan(&svc.ID, &svc.ProviderID, &svc.OwnerID, &svc.Name, &svc.Timezone); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (r availabilityRepo) GetPattern(ctx context.Context, id generic.ServiceID) (*availability.Pattern, error) {
	var (
		mask      int
		updatedAt string
		p         = availability.Pattern{ServiceID: id}
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT weekday_mask, full_day, updated_at FROM availability_patterns WHERE service_id = ?
	`, id).Scan(&mask, &p.FullDay, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern of service %d: %w", id, err)
	}

	p.Days = weekdaysFromMask(mask)
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r availabilityRepo) SavePattern(ctx context.Context, p availability.Pattern) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO availability_patterns (service_id, weekday_mask, full_day, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id) DO UPDATE SET
			weekday_mask = excluded.weekday_mask,
			full_day = excluded.full_day,
			updated_at = excluded.updated_at
	`, p.ServiceID, weekdayMask(p.Days), p.FullDay, formatTime(p.UpdatedAt))
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("save pattern: service %d: %w", p.ServiceID, generic.ErrNotFound)
		}
		return fmt.Errorf("failed to save pattern of service %d: %w", p.ServiceID, err)
	}
	return nil
}

// overrideFilter renders q as a WHERE clause over active rows.
func overrideFilter(q availability.OverrideQuery) (string, []any) {
	where := "deleted_at IS NULL AND service_id IN (" + placeholders(len(q.ServiceIDs)) + ")"
	args := make([]any, 0, len(q.ServiceIDs)+3)
	for _, id := range q.ServiceIDs {
		args = append(args, id)
	}
	if q.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(q.Kind))
	}
	if !q.From.IsZero() {
		where += " AND day >= ?"
		args = append(args, formatTime(q.From))
	}
	if !q.Until.IsZero() {
		where += " AND day < ?"
		args = append(args, formatTime(q.Until))
	}
	return where, args
}

func (r availabilityRepo) ListOverrides(ctx context.Context, q availability.OverrideQuery) ([]availability.Override, error) {
	if len(q.ServiceIDs) == 0 {
		return nil, nil
	}
	where, args := overrideFilter(q)
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, service_id, kind, day, created_by, metadata_tag, metadata_json, created_at
		FROM date_overrides
		WHERE `+where+`
		ORDER BY day, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []availability.Override
	for rows.Next() {
		var (
			o                  availability.Override
			kind, day, created string
			tag, payload       string
		)
		if err := rows.Scan(&o.ID, &o.ServiceID, &kind, &day, &o.CreatedBy, &tag, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.Kind = availability.OverrideKind(kind)
		if o.Date, err = parseTime(day); err != nil {
			return nil, err
		}
		if o.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if o.Metadata, err = availability.DecodeMetadata(tag, payload); err != nil {
			return nil, fmt.Errorf("override %d: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r availabilityRepo) SoftDeleteOverrides(ctx context.Context, q availability.OverrideQuery, at time.Time) (int64, error) {
	if len(q.ServiceIDs) == 0 {
		return 0, nil
	}
	where, args := overrideFilter(q)
	res, err := r.q.ExecContext(ctx,
		"UPDATE date_overrides SET deleted_at = ? WHERE "+where,
		append([]any{formatTime(at)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete overrides: %w", err)
	}
	return res.RowsAffected()
}

func (r availabilityRepo) InsertOverrides(ctx context.Context, overrides []availability.Override) error {
	for _, o := range overrides {
		tag, payload, err := availability.EncodeMetadata(o.Metadata)
		if err != nil {
			return err
		}
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO date_overrides (service_id, kind, day, created_by, metadata_tag, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, o.ServiceID, string(o.Kind), formatTime(o.Date), o.CreatedBy, tag, payload, formatTime(o.CreatedAt))
		if err != nil {
			if isForeignKeyError(err) {
				return fmt.Errorf("insert override: service %d: %w", o.ServiceID, generic.ErrNotFound)
			}
			return fmt.Errorf("failed to insert override: %w", err)
		}
	}
	return nil
}

func weekdayMask(w availability.Weekdays) int {
	mask := 0
	for i, on := range w {
		if on {
			mask |= 1 << i
		}
	}
	return mask
}

func weekdaysFromMask(mask int) availability.Weekdays {
	var w availability.Weekdays
	for i := range w {
		w[i] = mask&(1<<i) != 0
	}
	return w
}
