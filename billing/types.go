/*
Package billing drives a provider's earned share of a paid appointment from
"customer paid" to "paid out" through an external transfer gateway.

PURPOSE:
  Payouts move real money, so every step is locked, idempotent and
  resumable. The workflow cursor (NextState) is persisted after every step
  and re-read before the next, which makes an interrupted walk resumable
  from wherever it stopped.

STATE MACHINE:
  null ──lock──▶ PREPARING_FOR_PAYOUT ──▶ PAYING_OUT ──▶ UPDATE_AFTER_PAYOUT
       ──▶ FINISHED ──▶ null (ReleaseStatus = true, State = PAID_OUT)

  Admin unlock moves any unfinished cursor back to null. Nothing else may
  move backwards or skip a state.

MUTUAL EXCLUSION:
  A lease (LockedAt, LockOwner, LockExpiresAt) is acquired with a single
  conditional update (WHERE locked_at IS NULL) inside a serializable
  transaction with a bounded wait. Two concurrent sweeps can never lock the
  same transaction.

RETRY SAFETY:
  Transfers carry a deterministic idempotency key and a group key. Before
  creating a transfer the dispatcher looks for an existing one in the same
  group and reuses it.

SEE ALSO:
  - machine.go: pure transition function
  - dispatcher.go: transfer gateway calls
  - payout.go: sweep, single-transaction driver, admin lock/unlock
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// STATES
// =============================================================================

// State is the settlement state of a transaction.
type State string

const (
	StateCustomerPaid State = "CUSTOMER_PAID"
	StatePaidOut      State = "PAID_OUT"
)

// NextState is the workflow cursor. The empty value means no payout is in
// progress.
type NextState string

const (
	NextNone               NextState = ""
	NextPreparingForPayout NextState = "PREPARING_FOR_PAYOUT"
	NextPayingOut          NextState = "PAYING_OUT"
	NextUpdateAfterPayout  NextState = "UPDATE_AFTER_PAYOUT"
	NextFinished           NextState = "FINISHED"
)

// BaseCurrency is the currency transfers are made in.
const BaseCurrency = "usd"

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionID int64

// Transaction is one provider's earned share of a completed, paid charge.
type Transaction struct {
	ID            TransactionID
	BillingID     int64
	ProviderID    generic.ProviderID
	AppointmentID int64

	Amount       decimal.Decimal
	Currency     string
	ExchangeRate decimal.NullDecimal // USD per unit of Currency; set when Currency is not USD

	ReleaseDate time.Time
	State       State
	NextState   NextState

	LockedAt      *time.Time
	LockOwner     string
	LockExpiresAt *time.Time
	LockedReason  string

	ReleaseStatus bool
	TransferID    string

	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether a lease or administrative freeze is held.
func (t Transaction) Locked() bool { return t.LockedAt != nil }

// Lease identifies who holds a transaction and until when.
type Lease struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease ran past its expiry at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// LeaseOf returns the lease currently held on t, if any.
func LeaseOf(t Transaction) (Lease, bool) {
	if t.LockedAt == nil {
		return Lease{}, false
	}
	l := Lease{Owner: t.LockOwner, AcquiredAt: *t.LockedAt}
	if t.LockExpiresAt != nil {
		l.ExpiresAt = *t.LockExpiresAt
	}
	return l, true
}

// PayoutAccount is a provider's connected transfer destination.
type PayoutAccount struct {
	ProviderID     generic.ProviderID
	AccountID      string
	PayoutsEnabled bool
	ChargesEnabled bool
}

// Payable reports whether transfers to the account are allowed.
func (a PayoutAccount) Payable() bool {
	return a.AccountID != "" && a.PayoutsEnabled && a.ChargesEnabled
}

// Candidate is a transaction paired with its destination account.
type Candidate struct {
	Transaction Transaction
	Account     PayoutAccount
}

// =============================================================================
// STORE
// =============================================================================

// CursorUpdate advances a transaction from one cursor value to the next. It
// applies only when the stored cursor equals From and the lease is held by
// Owner. Moving to NextNone also drops the lease.
type CursorUpdate struct {
	ID         TransactionID
	Owner      string
	From       NextState
	To         NextState
	TransferID string // recorded when non-empty
	At         time.Time
}

// Store persists billing transactions and payout accounts.
type Store interface {
	// GetTransaction returns nil, nil when the transaction does not exist or
	// is soft-deleted.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	GetPayoutAccount(ctx context.Context, provider generic.ProviderID) (*PayoutAccount, error)

	SavePayoutAccount(ctx context.Context, a PayoutAccount) error

	// InsertTransaction assigns ID and returns the stored row.
	InsertTransaction(ctx context.Context, t Transaction) (*Transaction, error)

	// ListEligible returns unlocked, unreleased, non-deleted transactions with
	// ReleaseDate <= now whose destination account is payable, oldest first.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]Candidate, error)

	// ListLeased returns transactions holding a payout lease (owner set and
	// locked), oldest lease first.
	ListLeased(ctx context.Context) ([]Transaction, error)

	// AcquireLease sets the lease and moves the cursor from null to
	// PREPARING_FOR_PAYOUT, only if the row is unlocked. Reports success.
	AcquireLease(ctx context.Context, id TransactionID, lease Lease) (bool, error)

	// TakeOverLease moves an in-flight lease from one owner to another.
	TakeOverLease(ctx context.Context, id TransactionID, from string, lease Lease) (bool, error)

	// AdvanceCursor applies a conditional cursor update. Reports success.
	AdvanceCursor(ctx context.Context, u CursorUpdate) (bool, error)

	// FinalizePayout atomically sets NextState = FINISHED, ReleaseStatus,
	// State = PAID_OUT and clears the lease, conditional on the cursor being
	// UPDATE_AFTER_PAYOUT under owner.
	FinalizePayout(ctx context.Context, id TransactionID, owner, transferID string, at time.Time) (bool, error)

	// Freeze locks an unlocked transaction with an administrative reason.
	Freeze(ctx context.Context, id TransactionID, reason string, at time.Time) (bool, error)

	// Unfreeze clears any lock and resets the cursor to null, only while the
	// transaction is locked and not released.
	Unfreeze(ctx context.Context, id TransactionID) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store
	generic.AuditLog

	// WithTx executes fn within a transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// WithSerializableTx executes fn in a serializable transaction that waits
	// at most maxWait for conflicting writers; exceeding it yields
	// generic.ErrLockContention.
	WithSerializableTx(ctx context.Context, maxWait time.Duration, fn func(Store) error) error
}

// AdminChecker decides whether a user may run administrative actions.
type AdminChecker interface {
	IsAdmin(ctx context.Context, user generic.UserID) (bool, error)
}
