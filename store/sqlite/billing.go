package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// BILLING STORE (billing.TxStore interface)
// =============================================================================

// Billing implements billing.TxStore.
type Billing struct {
	billingRepo
	s *Store
}

var _ billing.TxStore = (*Billing)(nil)

// WithTx executes fn within a database transaction.
func (b *Billing) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return b.s.withTx(ctx, nil, func(tx *sql.Tx) error {
		return fn(billingRepo{q: tx})
	})
}

// WithSerializableTx executes fn in an immediate transaction that gives up
// with generic.ErrLockContention after maxWait.
func (b *Billing) WithSerializableTx(ctx context.Context, maxWait time.Duration, fn func(billing.Store) error) error {
	return b.s.withSerializableTx(ctx, maxWait, func(tx *sql.Tx) error {
		return fn(billingRepo{q: tx})
	})
}

func (b *Billing) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	return b.s.AppendAudit(ctx, e)
}

type billingRepo struct {
	q querier
}

const transactionColumns = `t.id, t.billing_id, t.provider_id, t.appointment_id, t.amount, t.currency,
	t.exchange_rate, t.release_date, t.state, t.next_state, t.locked_at, t.lock_owner,
	t.lock_expires_at, t.locked_reason, t.release_status, t.transfer_id, t.deleted_at,
	t.created_at, t.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner, extra ...any) (billing.Transaction, error) {
	var (
		t                                  billing.Transaction
		state, next                        string
		releaseDate, createdAt, updatedAt  string
		lockedAt, lockExpiresAt, deletedAt sql.NullString
	)
	dest := []any{
		&t.ID, &t.BillingID, &t.ProviderID, &t.AppointmentID, &t.Amount, &t.Currency,
		&t.ExchangeRate, &releaseDate, &state, &next, &lockedAt, &t.LockOwner,
		&lockExpiresAt, &t.LockedReason, &t.ReleaseStatus, &t.TransferID, &deletedAt,
		&createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return t, err
	}

	t.State = billing.State(state)
	t.NextState = billing.NextState(next)

	var err error
	if t.ReleaseDate, err = parseTime(releaseDate); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	if t.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return t, err
	}
	if t.LockExpiresAt, err = parseNullTime(lockExpiresAt); err != nil {
		return t, err
	}
	if t.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r billingRepo) GetTransaction(ctx context.Context, id billing.TransactionID) (*billing.Transaction, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM billing_transactions t
		WHERE t.id = ? AND t.deleted_at IS NULL
	`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %d: %w", id, err)
	}
	return &t, nil
}

func (r billingRepo) GetPayoutAccount(ctx context.Context, provider generic.ProviderID) (*billing.PayoutAccount, error) {
	a := billing.PayoutAccount{ProviderID: provider}
	err := r.q.QueryRowContext(ctx, `
		SELECT account_id, payouts_enabled, charges_enabled FROM payout_accounts WHERE provider_id = ?
	`, provider).Scan(&a.AccountID, &a.PayoutsEnabled, &a.ChargesEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payout account of provider %d: %w", provider, err)
	}
	return &a, nil
}

func (r billingRepo) SavePayoutAccount(ctx context.Context, a billing.PayoutAccount) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payout_accounts (provider_id, account_id, payouts_enabled, charges_enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			account_id = excluded.account_id,
			payouts_enabled = excluded.payouts_enabled,
			charges_enabled = excluded.charges_enabled
	`, a.ProviderID, a.AccountID, a.PayoutsEnabled, a.ChargesEnabled)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("payout account: provider %d: %w", a.ProviderID, generic.ErrNotFound)
		}
		return fmt.Errorf("failed to save payout account of provider %d: %w", a.ProviderID, err)
	}
	return nil
}

func (r billingRepo) InsertTransaction(ctx context.Context, t billing.Transaction) (*billing.Transaction, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO billing_transactions
		(billing_id, provider_id, appointment_id, amount, currency, exchange_rate, release_date,
		 state, next_state, release_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.BillingID, t.ProviderID, t.AppointmentID, t.Amount, t.Currency, t.ExchangeRate,
		formatTime(t.ReleaseDate), string(t.State), string(t.NextState), t.ReleaseStatus,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		switch {
		case isUniqueConstraintError(err):
			return nil, fmt.Errorf("%w: billing %d already has a transaction for provider %d",
				generic.ErrConflict, t.BillingID, t.ProviderID)
		case isForeignKeyError(err):
			return nil, fmt.Errorf("billing transaction: provider %d: %w", t.ProviderID, generic.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to insert billing transaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetTransaction(ctx, billing.TransactionID(id))
}

func (r billingRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]billing.Candidate, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+transactionColumns+`, a.account_id, a.payouts_enabled, a.charges_enabled
		FROM billing_transactions t
		JOIN payout_accounts a ON a.provider_id = t.provider_id
		WHERE t.deleted_at IS NULL
		  AND t.locked_at IS NULL
		  AND t.release_status = 0
		  AND t.next_state = ''
		  AND t.release_date <= ?
		  AND a.account_id <> '' AND a.payouts_enabled = 1 AND a.charges_enabled = 1
		ORDER BY t.release_date, t.id
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible transactions: %w", err)
	}
	defer rows.Close()

	var out []billing.Candidate
	for rows.Next() {
		var a billing.PayoutAccount
		t, err := scanTransaction(rows, &a.AccountID, &a.PayoutsEnabled, &a.ChargesEnabled)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		a.ProviderID = t.ProviderID
		out = append(out, billing.Candidate{Transaction: t, Account: a})
	}
	return out, rows.Err()
}

func (r billingRepo) ListLeased(ctx context.Context) ([]billing.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM billing_transactions t
		WHERE t.deleted_at IS NULL AND t.locked_at IS NOT NULL AND t.lock_owner <> ''
		ORDER BY t.locked_at, t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leased transactions: %w", err)
	}
	defer rows.Close()

	var out []billing.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AcquireLease is the single conditional update that decides which run owns
// a transaction.
func (r billingRepo) AcquireLease(ctx context.Context, id billing.TransactionID, lease billing.Lease) (bool, error) {
	ok, err := affected(r.q.ExecContext(ctx, `
		UPDATE billing_transactions
		SET next_state = ?, locked_at = ?, lock_owner = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND locked_at IS NULL
		  AND release_status = 0 AND next_state = ''
	`, string(billing.NextPreparingForPayout), formatTime(lease.AcquiredAt), lease.Owner,
		formatTime(lease.ExpiresAt), formatTime(lease.AcquiredAt), id))
	if err != nil {
		return false, fmt.Errorf("failed to lease transaction %d: %w", id, err)
	}
	return ok, nil
}

func (r billingRepo) TakeOverLease(ctx context.Context, id billing.TransactionID, from string, lease billing.Lease) (bool, error) {
	ok, err := affected(r.q.ExecContext(ctx, `
		UPDATE billing_transactions
		SET lock_owner = ?,
		    lock_expires_at = ?,
		    locked_at = CASE WHEN release_status = 1 THEN NULL ELSE ? END,
		    updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND lock_owner = ? AND next_state <> ''
	`, lease.Owner, formatTime(lease.ExpiresAt), formatTime(lease.AcquiredAt),
		formatTime(lease.AcquiredAt), id, from))
	if err != nil {
		return false, fmt.Errorf("failed to take over lease of transaction %d: %w", id, err)
	}
	return ok, nil
}

func (r billingRepo) AdvanceCursor(ctx context.Context, u billing.CursorUpdate) (bool, error) {
	query := `
		UPDATE billing_transactions
		SET next_state = ?,
		    transfer_id = CASE WHEN ? <> '' THEN ? ELSE transfer_id END,
		    updated_at = ?`
	args := []any{string(u.To), u.TransferID, u.TransferID, formatTime(u.At)}
	if u.To == billing.NextNone {
		query += `, locked_at = NULL, lock_owner = '', lock_expires_at = NULL`
	}
	query += `
		WHERE id = ? AND deleted_at IS NULL AND next_state = ? AND lock_owner = ?`
	args = append(args, u.ID, string(u.From), u.Owner)

	ok, err := affected(r.q.ExecContext(ctx, query, args...))
	if err != nil {
		return false, fmt.Errorf("failed to advance transaction %d to %q: %w", u.ID, u.To, err)
	}
	return ok, nil
}

func (r billingRepo) FinalizePayout(ctx context.Context, id billing.TransactionID, owner, transferID string, at time.Time) (bool, error) {
	ok, err := affected(r.q.ExecContext(ctx, `
		UPDATE billing_transactions
		SET next_state = ?, state = ?, release_status = 1, transfer_id = ?,
		    locked_at = NULL, lock_expires_at = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND next_state = ? AND lock_owner = ?
	`, string(billing.NextFinished), string(billing.StatePaidOut), transferID, formatTime(at),
		id, string(billing.NextUpdateAfterPayout), owner))
	if err != nil {
		return false, fmt.Errorf("failed to finalize transaction %d: %w", id, err)
	}
	return ok, nil
}

func (r billingRepo) Freeze(ctx context.Context, id billing.TransactionID, reason string, at time.Time) (bool, error) {
	ok, err := affected(r.q.ExecContext(ctx, `
		UPDATE billing_transactions
		SET locked_at = ?, locked_reason = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND locked_at IS NULL
		  AND release_status = 0 AND next_state = ''
	`, formatTime(at), reason, formatTime(at), id))
	if err != nil {
		return false, fmt.Errorf("failed to lock transaction %d: %w", id, err)
	}
	return ok, nil
}

func (r billingRepo) Unfreeze(ctx context.Context, id billing.TransactionID) (bool, error) {
	ok, err := affected(r.q.ExecContext(ctx, `
		UPDATE billing_transactions
		SET next_state = '', locked_at = NULL, lock_owner = '', lock_expires_at = NULL, locked_reason = ''
		WHERE id = ? AND deleted_at IS NULL AND release_status = 0
		  AND (locked_at IS NOT NULL OR next_state <> '')
	`, id))
	if err != nil {
		return false, fmt.Errorf("failed to unlock transaction %d: %w", id, err)
	}
	return ok, nil
}
