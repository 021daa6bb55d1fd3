package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// PAYOUT SERVICE - Interprets the state machine against the store and gateway
// =============================================================================

const (
	DefaultGracePeriod = 7 * 24 * time.Hour
	DefaultLockWait    = 5 * time.Second
	DefaultLeaseTTL    = time.Hour
	DefaultBatchLimit  = 100

	// maxSteps bounds one walk; a full walk takes four.
	maxSteps = 8
)

// Service runs payouts.
type Service struct {
	Store      TxStore
	Dispatcher *Dispatcher
	Admins     AdminChecker
	Logger     *zap.Logger
	Now        func() time.Time

	// Instance identifies this process in lease owners.
	Instance string

	GracePeriod time.Duration
	LockWait    time.Duration
	LeaseTTL    time.Duration
	BatchLimit  int
}

func NewService(store TxStore, gw Gateway, admins AdminChecker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:       store,
		Dispatcher:  NewDispatcher(gw, logger),
		Admins:      admins,
		Logger:      logger,
		Now:         time.Now,
		Instance:    uuid.NewString(),
		GracePeriod: DefaultGracePeriod,
		LockWait:    DefaultLockWait,
		LeaseTTL:    DefaultLeaseTTL,
		BatchLimit:  DefaultBatchLimit,
	}
}

// =============================================================================
// CHARGE RECORDING
// =============================================================================

// ChargeInput describes a provider's share of a successful charge.
type ChargeInput struct {
	BillingID     int64
	ProviderID    generic.ProviderID
	AppointmentID int64
	Amount        decimal.Decimal
	Currency      string
	ExchangeRate  decimal.NullDecimal
	CompletedAt   time.Time
}

// RecordCharge creates a billing transaction released after the grace period.
func (s *Service) RecordCharge(ctx context.Context, actor generic.UserID, in ChargeInput) (*Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", generic.ErrBadRequest)
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", generic.ErrBadRequest)
	}
	if currency != BaseCurrency && (!in.ExchangeRate.Valid || !in.ExchangeRate.Decimal.IsPositive()) {
		return nil, fmt.Errorf("%w: exchange rate is required for %s", generic.ErrBadRequest, currency)
	}
	if in.CompletedAt.IsZero() {
		return nil, fmt.Errorf("%w: completion time is required", generic.ErrBadRequest)
	}

	now := s.now()
	var stored *Transaction
	err := s.Store.WithTx(ctx, func(st Store) error {
		var err error
		stored, err = st.InsertTransaction(ctx, Transaction{
			BillingID:     in.BillingID,
			ProviderID:    in.ProviderID,
			AppointmentID: in.AppointmentID,
			Amount:        in.Amount,
			Currency:      currency,
			ExchangeRate:  in.ExchangeRate,
			ReleaseDate:   in.CompletedAt.Add(s.GracePeriod),
			State:         StateCustomerPaid,
			NextState:     NextNone,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record charge for billing %d: %w", in.BillingID, err)
	}

	s.audit(ctx, actor, generic.AuditChargeRecorded, stored.ID, map[string]string{
		"amount":   stored.Amount.String(),
		"currency": stored.Currency,
	})
	return stored, nil
}

// =============================================================================
// CANDIDATE SELECTION & LOCKING
// =============================================================================

// SweepReport summarizes one batch run.
type SweepReport struct {
	Owner       string
	Locked      []TransactionID
	Paid        []TransactionID
	Failed      map[TransactionID]string
	StaleLeases []TransactionID
}

// SelectCandidates finds eligible transactions and leases them to owner in
// one serializable transaction with a bounded wait. Rows another run leased
// first are skipped. Contention beyond LockWait yields ErrLockContention.
func (s *Service) SelectCandidates(ctx context.Context, owner string) ([]Candidate, error) {
	now := s.now()
	lease := s.newLease(owner, now)

	var locked []Candidate
	err := s.Store.WithSerializableTx(ctx, s.LockWait, func(st Store) error {
		locked = nil
		candidates, err := st.ListEligible(ctx, now, s.BatchLimit)
		if err != nil {
			return fmt.Errorf("list eligible transactions: %w", err)
		}
		for _, c := range candidates {
			to, _, err := Transition(c.Transaction.ID, c.Transaction.NextState, EventLock)
			if err != nil {
				s.Logger.Warn("skipping candidate", zap.Int64("transaction_id", int64(c.Transaction.ID)), zap.Error(err))
				continue
			}
			ok, err := st.AcquireLease(ctx, c.Transaction.ID, lease)
			if err != nil {
				return fmt.Errorf("lease transaction %d: %w", c.Transaction.ID, err)
			}
			if !ok {
				continue
			}
			c.Transaction.NextState = to
			c.Transaction.LockedAt = &lease.AcquiredAt
			c.Transaction.LockOwner = lease.Owner
			c.Transaction.LockExpiresAt = &lease.ExpiresAt
			locked = append(locked, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// Sweep is the cron-driven batch payout: lease every eligible transaction,
// then walk each to completion. A failing transaction is reported and left
// locked; the others proceed.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	owner := s.runOwner()
	log := s.Logger.With(zap.String("lease_owner", owner))
	report := &SweepReport{Owner: owner, Failed: map[TransactionID]string{}}

	candidates, err := s.SelectCandidates(ctx, owner)
	if err != nil {
		if generic.IsRetryable(err) {
			log.Warn("payout sweep skipped, candidates locked by another run", zap.Error(err))
		} else {
			log.Error("payout sweep failed to select candidates", zap.Error(err))
		}
		return nil, err
	}
	log.Info("payout candidates locked", zap.Int("count", len(candidates)))

	for _, c := range candidates {
		id := c.Transaction.ID
		report.Locked = append(report.Locked, id)
		if err := s.walk(ctx, id, owner); err != nil {
			report.Failed[id] = err.Error()
			continue
		}
		report.Paid = append(report.Paid, id)
	}

	report.StaleLeases = s.staleLeases(ctx)
	log.Info("payout sweep completed",
		zap.Int("locked", len(report.Locked)),
		zap.Int("paid", len(report.Paid)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("stale_leases", len(report.StaleLeases)))
	return report, nil
}

// staleLeases reports expired leases. They are never reclaimed
// automatically: a lease left behind by a failed transfer waits for triage.
func (s *Service) staleLeases(ctx context.Context) []TransactionID {
	leased, err := s.Store.ListLeased(ctx)
	if err != nil {
		s.Logger.Error("listing leased transactions failed", zap.Error(err))
		return nil
	}
	now := s.now()
	var stale []TransactionID
	for _, t := range leased {
		if l, ok := LeaseOf(t); ok && l.Expired(now) {
			s.Logger.Warn("payout lease expired, manual review required",
				zap.Int64("transaction_id", int64(t.ID)),
				zap.String("lease_owner", l.Owner),
				zap.String("next_state", string(t.NextState)),
				zap.Time("expired_at", l.ExpiresAt))
			stale = append(stale, t.ID)
		}
	}
	return stale
}

// =============================================================================
// SINGLE TRANSACTION DRIVER
// =============================================================================

// PaySingle pays one transaction on an administrator's request. An idle
// transaction is leased first; an in-flight one is taken over and resumed
// from its persisted cursor.
func (s *Service) PaySingle(ctx context.Context, actor generic.UserID, id TransactionID) (*Transaction, error) {
	if err := s.RequireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	t, err := s.load(ctx, s.Store, id)
	if err != nil {
		return nil, err
	}

	owner := s.runOwner()
	now := s.now()
	lease := s.newLease(owner, now)

	switch {
	case !Known(t.NextState):
		return nil, &generic.StateError{TransactionID: int64(id), State: string(t.NextState)}

	case t.NextState == NextNone && t.ReleaseStatus:
		return nil, fmt.Errorf("%w: transaction %d is already paid out", generic.ErrBadRequest, id)

	case t.NextState == NextNone && t.Locked():
		return nil, fmt.Errorf("%w: transaction %d is locked: %s", generic.ErrBadRequest, id, t.LockedReason)

	case t.NextState == NextNone:
		if _, _, err := Transition(id, t.NextState, EventLock); err != nil {
			return nil, err
		}
		var ok bool
		err := s.Store.WithSerializableTx(ctx, s.LockWait, func(st Store) error {
			var err error
			ok, err = st.AcquireLease(ctx, id, lease)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: transaction %d was locked concurrently", generic.ErrConflict, id)
		}

	default:
		ok, err := s.Store.TakeOverLease(ctx, id, t.LockOwner, lease)
		if err != nil {
			return nil, fmt.Errorf("take over lease of transaction %d: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: transaction %d lease changed hands", generic.ErrConflict, id)
		}
		s.Logger.Info("resuming payout walk",
			zap.Int64("transaction_id", int64(id)),
			zap.String("previous_owner", t.LockOwner),
			zap.String("next_state", string(t.NextState)))
	}

	if err := s.walk(ctx, id, owner); err != nil {
		return nil, err
	}
	return s.load(ctx, s.Store, id)
}

// walk advances a leased transaction until its cursor is null again. The
// cursor is re-read from the store before every step so persisted state is
// always the source of truth.
func (s *Service) walk(ctx context.Context, id TransactionID, owner string) error {
	log := s.Logger.With(zap.Int64("transaction_id", int64(id)), zap.String("lease_owner", owner))

	for step := 0; step < maxSteps; step++ {
		t, err := s.load(ctx, s.Store, id)
		if err != nil {
			return err
		}
		if Terminal(t.NextState) {
			return nil
		}
		if t.LockOwner != owner {
			return fmt.Errorf("%w: transaction %d lease is held by %q", generic.ErrConflict, id, t.LockOwner)
		}

		to, effect, err := Transition(id, t.NextState, EventAdvance)
		if err != nil {
			if errors.Is(err, generic.ErrIrregularState) {
				log.Error("irregular payout state, manual review required",
					zap.String("next_state", string(t.NextState)), zap.Error(err))
			}
			return err
		}

		ok, err := s.perform(ctx, *t, owner, to, effect)
		if err != nil {
			log.Error("payout step failed",
				zap.String("next_state", string(t.NextState)),
				zap.String("effect", string(effect)),
				zap.Error(err))
			return err
		}
		if !ok {
			return fmt.Errorf("%w: transaction %d moved from %s concurrently", generic.ErrConflict, id, t.NextState)
		}
		log.Debug("payout step persisted", zap.String("from", string(t.NextState)), zap.String("to", string(to)))
	}
	return fmt.Errorf("transaction %d: payout walk did not terminate: %w", id, generic.ErrIrregularState)
}

// perform executes effect and persists the transition to `to`.
func (s *Service) perform(ctx context.Context, t Transaction, owner string, to NextState, effect Effect) (bool, error) {
	update := CursorUpdate{ID: t.ID, Owner: owner, From: t.NextState, To: to, At: s.now()}

	switch effect {
	case EffectPrepare:
		if _, err := s.payableAccount(ctx, t); err != nil {
			return false, err
		}
		if _, err := PayableAmount(t); err != nil {
			return false, err
		}
		return s.Store.AdvanceCursor(ctx, update)

	case EffectTransfer:
		acct, err := s.payableAccount(ctx, t)
		if err != nil {
			return false, err
		}
		transfer, err := s.Dispatcher.Payout(ctx, t, *acct)
		if err != nil {
			return false, err
		}
		update.TransferID = transfer.ID
		return s.Store.AdvanceCursor(ctx, update)

	case EffectFinalize:
		if t.TransferID == "" {
			return false, fmt.Errorf("transaction %d reached %s without a transfer: %w",
				t.ID, t.NextState, generic.ErrIrregularState)
		}
		ok, err := s.Store.FinalizePayout(ctx, t.ID, owner, t.TransferID, s.now())
		if err != nil {
			return false, fmt.Errorf("record payout of transaction %d (transfer %s): %w", t.ID, t.TransferID, err)
		}
		if ok {
			s.audit(ctx, 0, generic.AuditPayoutFinished, t.ID, map[string]string{
				"transfer_id": t.TransferID,
				"lease_owner": owner,
			})
		}
		return ok, nil

	case EffectClose:
		return s.Store.AdvanceCursor(ctx, update)

	default:
		return false, fmt.Errorf("transaction %d: unexpected effect %q: %w", t.ID, effect, generic.ErrIrregularState)
	}
}

func (s *Service) payableAccount(ctx context.Context, t Transaction) (*PayoutAccount, error) {
	acct, err := s.Store.GetPayoutAccount(ctx, t.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load payout account of provider %d: %w", t.ProviderID, err)
	}
	if acct == nil || !acct.Payable() {
		return nil, fmt.Errorf("%w: provider %d payout account is not enabled", generic.ErrBadRequest, t.ProviderID)
	}
	return acct, nil
}

// =============================================================================
// ADMINISTRATIVE LOCK / UNLOCK
// =============================================================================

// Lock freezes a transaction out of candidate selection.
func (s *Service) Lock(ctx context.Context, actor generic.UserID, id TransactionID, reason string) error {
	if err := s.RequireAdmin(ctx, actor); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: a lock reason is required", generic.ErrBadRequest)
	}

	t, err := s.load(ctx, s.Store, id)
	if err != nil {
		return err
	}
	if t.ReleaseStatus {
		return fmt.Errorf("%w: transaction %d is already paid out", generic.ErrBadRequest, id)
	}

	ok, err := s.Store.Freeze(ctx, id, reason, s.now())
	if err != nil {
		return fmt.Errorf("lock transaction %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: transaction %d is already locked", generic.ErrBadRequest, id)
	}

	s.audit(ctx, actor, generic.AuditPayoutLocked, id, map[string]string{"reason": reason})
	return nil
}

// Unlock clears any lock and resets an unfinished cursor to null.
func (s *Service) Unlock(ctx context.Context, actor generic.UserID, id TransactionID) error {
	if err := s.RequireAdmin(ctx, actor); err != nil {
		return err
	}

	t, err := s.load(ctx, s.Store, id)
	if err != nil {
		return err
	}
	if !t.Locked() && t.NextState == NextNone {
		return fmt.Errorf("%w: transaction %d is not locked", generic.ErrBadRequest, id)
	}
	if _, _, err := Transition(id, t.NextState, EventUnlock); err != nil {
		return err
	}

	ok, err := s.Store.Unfreeze(ctx, id)
	if err != nil {
		return fmt.Errorf("unlock transaction %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: transaction %d changed while unlocking", generic.ErrConflict, id)
	}

	s.audit(ctx, actor, generic.AuditPayoutUnlocked, id, map[string]string{
		"previous_state": string(t.NextState),
		"previous_owner": t.LockOwner,
	})
	return nil
}

// RequireAdmin returns ErrForbidden unless actor is an administrator.
func (s *Service) RequireAdmin(ctx context.Context, actor generic.UserID) error {
	if s.Admins == nil {
		return fmt.Errorf("%w: no administrator directory configured", generic.ErrForbidden)
	}
	ok, err := s.Admins.IsAdmin(ctx, actor)
	if err != nil {
		return fmt.Errorf("check admin rights of user %d: %w", actor, err)
	}
	if !ok {
		return fmt.Errorf("%w: user %d is not an administrator", generic.ErrForbidden, actor)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) load(ctx context.Context, st Store, id TransactionID) (*Transaction, error) {
	t, err := st.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction %d: %w", id, err)
	}
	if t == nil {
		return nil, fmt.Errorf("transaction %d: %w", id, generic.ErrNotFound)
	}
	return t, nil
}

func (s *Service) newLease(owner string, now time.Time) Lease {
	return Lease{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(s.LeaseTTL)}
}

// runOwner identifies one sweep or single-payout run of this instance.
func (s *Service) runOwner() string {
	return s.Instance + "/" + uuid.NewString()
}

func (s *Service) audit(ctx context.Context, actor generic.UserID, action generic.AuditAction, id TransactionID, payload map[string]string) {
	err := s.Store.AppendAudit(ctx, generic.AuditEntry{
		Timestamp: s.now(),
		ActorID:   int64(actor),
		Action:    action,
		Subject:   "billing_transaction:" + strconv.FormatInt(int64(id), 10),
		Payload:   payload,
	})
	if err != nil {
		s.Logger.Error("failed to append audit entry",
			zap.String("action", string(action)), zap.Int64("transaction_id", int64(id)), zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
