// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds every table in process. Availability and Billing expose it
// through the per-engine store interfaces; both share one lock, so a
// transaction on either view excludes the other.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	admins    map[generic.UserID]bool
	services  map[generic.ServiceID]availability.Service
	patterns  map[generic.ServiceID]availability.Pattern
	overrides []availability.Override
	nextOvrID int64

	accounts     map[generic.ProviderID]billing.PayoutAccount
	transactions map[billing.TransactionID]billing.Transaction
	nextTxID     billing.TransactionID

	audit       []generic.AuditEntry
	nextAuditID int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		admins:       make(map[generic.UserID]bool),
		services:     make(map[generic.ServiceID]availability.Service),
		patterns:     make(map[generic.ServiceID]availability.Pattern),
		accounts:     make(map[generic.ProviderID]billing.PayoutAccount),
		transactions: make(map[billing.TransactionID]billing.Transaction),
	}}
}

// Availability returns the calendar view of the store.
func (m *Memory) Availability() *Availability { return &Availability{m: m} }

// Billing returns the payout view of the store.
func (m *Memory) Billing() *Billing { return &Billing{m: m} }

// =============================================================================
// SEEDING & DIRECTORY
// =============================================================================

// AddUser registers a user, optionally as an administrator.
func (m *Memory) AddUser(id generic.UserID, admin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.admins[id] = admin
}

// AddService registers a service.
func (m *Memory) AddService(s availability.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.services[s.ID] = s
}

func (m *Memory) IsAdmin(_ context.Context, user generic.UserID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.admins[user], nil
}

func (m *Memory) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.appendAudit(e)
	return nil
}

// ListAudit returns matching entries, oldest first.
func (m *Memory) ListAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []generic.AuditEntry
	for _, e := range m.state.audit {
		if f.Matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// Overrides returns every override row, soft-deleted ones included.
func (m *Memory) Overrides() []availability.Override {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]availability.Override(nil), m.state.overrides...)
}

func (s *memState) appendAudit(e generic.AuditEntry) {
	s.nextAuditID++
	e.ID = s.nextAuditID
	s.audit = append(s.audit, e)
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback
// =============================================================================

func (m *Memory) withTx(fn func(*memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runLocked(fn)
}

// withTxWait is withTx with a bounded wait for the lock.
func (m *Memory) withTxWait(ctx context.Context, maxWait time.Duration, fn func(*memState) error) error {
	deadline := time.Now().Add(maxWait)
	for !m.mu.TryLock() {
		if time.Now().After(deadline) {
			return fmt.Errorf("memory store busy after %s: %w", maxWait, generic.ErrLockContention)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", generic.ErrLockContention, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	defer m.mu.Unlock()
	return m.runLocked(fn)
}

func (m *Memory) runLocked(fn func(*memState) error) error {
	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := &memState{
		admins:       make(map[generic.UserID]bool, len(s.admins)),
		services:     make(map[generic.ServiceID]availability.Service, len(s.services)),
		patterns:     make(map[generic.ServiceID]availability.Pattern, len(s.patterns)),
		overrides:    append([]availability.Override(nil), s.overrides...),
		nextOvrID:    s.nextOvrID,
		accounts:     make(map[generic.ProviderID]billing.PayoutAccount, len(s.accounts)),
		transactions: make(map[billing.TransactionID]billing.Transaction, len(s.transactions)),
		nextTxID:     s.nextTxID,
		audit:        append([]generic.AuditEntry(nil), s.audit...),
		nextAuditID:  s.nextAuditID,
	}
	for k, v := range s.admins {
		c.admins[k] = v
	}
	for k, v := range s.services {
		c.services[k] = v
	}
	for k, v := range s.patterns {
		c.patterns[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	return c
}

// =============================================================================
// AVAILABILITY VIEW
// =============================================================================

// Availability implements availability.TxStore.
type Availability struct {
	m *Memory
}

var _ availability.TxStore = (*Availability)(nil)

func (a *Availability) WithTx(ctx context.Context, fn func(availability.Store) error) error {
	return a.m.withTx(func(s *memState) error {
		return fn(availabilityView{s: s})
	})
}

func (a *Availability) view(fn func(availabilityView) error) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	return fn(availabilityView{s: a.m.state})
}

func (a *Availability) GetService(ctx context.Context, id generic.ServiceID) (svc *availability.Service, err error) {
	err = a.view(func(v availabilityView) error {
		svc, err = v.GetService(ctx, id)
		return err
	})
	return svc, err
}

func (a *Availability) ListServicesByOwner(ctx context.Context, owner generic.UserID) (out []availability.Service, err error) {
	err = a.view(func(v availabilityView) error {
		out, err = v.ListServicesByOwner(ctx, owner)
		return err
	})
	return out, err
}

func (a *Availability) GetPattern(ctx context.Context, id generic.ServiceID) (p *availability.Pattern, err error) {
	err = a.view(func(v availabilityView) error {
		p, err = v.GetPattern(ctx, id)
		return err
	})
	return p, err
}

func (a *Availability) SavePattern(ctx context.Context, p availability.Pattern) error {
	return a.view(func(v availabilityView) error { return v.SavePattern(ctx, p) })
}

func (a *Availability) ListOverrides(ctx context.Context, q availability.OverrideQuery) (out []availability.Override, err error) {
	err = a.view(func(v availabilityView) error {
		out, err = v.ListOverrides(ctx, q)
		return err
	})
	return out, err
}

func (a *Availability) SoftDeleteOverrides(ctx context.Context, q availability.OverrideQuery, at time.Time) (n int64, err error) {
	err = a.view(func(v availabilityView) error {
		n, err = v.SoftDeleteOverrides(ctx, q, at)
		return err
	})
	return n, err
}

func (a *Availability) InsertOverrides(ctx context.Context, overrides []availability.Override) error {
	return a.m.withTx(func(s *memState) error {
		return availabilityView{s: s}.InsertOverrides(ctx, overrides)
	})
}

type availabilityView struct {
	s *memState
}

func (v availabilityView) GetService(_ context.Context, id generic.ServiceID) (*availability.Service, error) {
	svc, ok := v.s.services[id]
	if !ok {
		return nil, nil
	}
	return &svc, nil
}

func (v availabilityView) ListServicesByOwner(_ context.Context, owner generic.UserID) ([]availability.Service, error) {
	var out []availability.Service
	for _, svc := range v.s.services {
		if svc.OwnerID == owner {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v availabilityView) GetPattern(_ context.Context, id generic.ServiceID) (*availability.Pattern, error) {
	p, ok := v.s.patterns[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (v availabilityView) SavePattern(_ context.Context, p availability.Pattern) error {
	if _, ok := v.s.services[p.ServiceID]; !ok {
		return fmt.Errorf("save pattern: service %d: %w", p.ServiceID, generic.ErrNotFound)
	}
	v.s.patterns[p.ServiceID] = p
	return nil
}

func (v availabilityView) ListOverrides(_ context.Context, q availability.OverrideQuery) ([]availability.Override, error) {
	var out []availability.Override
	for _, o := range v.s.overrides {
		if matchesOverride(o, q) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v availabilityView) SoftDeleteOverrides(_ context.Context, q availability.OverrideQuery, at time.Time) (int64, error) {
	var n int64
	for i := range v.s.overrides {
		if matchesOverride(v.s.overrides[i], q) {
			deleted := at
			v.s.overrides[i].DeletedAt = &deleted
			n++
		}
	}
	return n, nil
}

func (v availabilityView) InsertOverrides(_ context.Context, overrides []availability.Override) error {
	for _, o := range overrides {
		if _, ok := v.s.services[o.ServiceID]; !ok {
			return fmt.Errorf("insert override: service %d: %w", o.ServiceID, generic.ErrNotFound)
		}
	}
	for _, o := range overrides {
		v.s.nextOvrID++
		o.ID = v.s.nextOvrID
		o.DeletedAt = nil
		v.s.overrides = append(v.s.overrides, o)
	}
	return nil
}

func matchesOverride(o availability.Override, q availability.OverrideQuery) bool {
	if o.DeletedAt != nil {
		return false
	}
	if q.Kind != "" && o.Kind != q.Kind {
		return false
	}
	if !q.From.IsZero() && o.Date.Before(q.From) {
		return false
	}
	if !q.Until.IsZero() && !o.Date.Before(q.Until) {
		return false
	}
	for _, id := range q.ServiceIDs {
		if id == o.ServiceID {
			return true
		}
	}
	return false
}

// =============================================================================
// BILLING VIEW
// =============================================================================

// Billing implements billing.TxStore.
type Billing struct {
	m *Memory
}

var _ billing.TxStore = (*Billing)(nil)

func (b *Billing) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return b.m.withTx(func(s *memState) error {
		return fn(billingView{s: s})
	})
}

func (b *Billing) WithSerializableTx(ctx context.Context, maxWait time.Duration, fn func(billing.Store) error) error {
	return b.m.withTxWait(ctx, maxWait, func(s *memState) error {
		return fn(billingView{s: s})
	})
}

func (b *Billing) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	return b.m.AppendAudit(ctx, e)
}

func (b *Billing) view(fn func(billingView) error) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return fn(billingView{s: b.m.state})
}

func (b *Billing) GetTransaction(ctx context.Context, id billing.TransactionID) (t *billing.Transaction, err error) {
	err = b.view(func(v billingView) error {
		t, err = v.GetTransaction(ctx, id)
		return err
	})
	return t, err
}

func (b *Billing) GetPayoutAccount(ctx context.Context, provider generic.ProviderID) (a *billing.PayoutAccount, err error) {
	err = b.view(func(v billingView) error {
		a, err = v.GetPayoutAccount(ctx, provider)
		return err
	})
	return a, err
}

func (b *Billing) SavePayoutAccount(ctx context.Context, a billing.PayoutAccount) error {
	return b.view(func(v billingView) error { return v.SavePayoutAccount(ctx, a) })
}

func (b *Billing) InsertTransaction(ctx context.Context, t billing.Transaction) (out *billing.Transaction, err error) {
	err = b.view(func(v billingView) error {
		out, err = v.InsertTransaction(ctx, t)
		return err
	})
	return out, err
}

func (b *Billing) ListEligible(ctx context.Context, now time.Time, limit int) (out []billing.Candidate, err error) {
	err = b.view(func(v billingView) error {
		out, err = v.ListEligible(ctx, now, limit)
		return err
	})
	return out, err
}

func (b *Billing) ListLeased(ctx context.Context) (out []billing.Transaction, err error) {
	err = b.view(func(v billingView) error {
		out, err = v.ListLeased(ctx)
		return err
	})
	return out, err
}

func (b *Billing) AcquireLease(ctx context.Context, id billing.TransactionID, lease billing.Lease) (ok bool, err error) {
	err = b.view(func(v billingView) error {
		ok, err = v.AcquireLease(ctx, id, lease)
		return err
	})
	return ok, err
}

func (b *Billing) TakeOverLease(ctx context.Context, id billing.TransactionID, from string, lease billing.Lease) (ok bool, err error) {
	err = b.view(func(v billingView) error {
		ok, err = v.TakeOverLease(ctx, id, from, lease)
		return err
	})
	return ok, err
}

func (b *Billing) AdvanceCursor(ctx context.Context, u billing.CursorUpdate) (ok bool, err error) {
	err = b.view(func(v billingView) error {
		ok, err = v.AdvanceCursor(ctx, u)
		return err
	})
	return ok, err
}

func (b *Billing) FinalizePayout(ctx context.Context, id billing.TransactionID, owner, transferID string, at time.Time) (ok bool, err error) {
	err = b.view(func(v billingView) error {
		ok, err = v.FinalizePayout(ctx, id, owner, transferID, at)
		return err
	})
	return ok, err
}

func (b *Billing) Freeze(ctx context.Context, id billing.TransactionID, reason string, at time.Time) (ok bool, err error) {
	err = b.view(func(v billingView) error {
		ok, err = v.Freeze(ctx, id, reason, at)
		return err
	})
	return ok, err
}

func (b *Billing) Unfreeze(ctx context.Context, id billing.TransactionID) (ok bool, err error) {
	err = b.view(func(v billingView) error {
		ok, err = v.Unfreeze(ctx, id)
		return err
	})
	return ok, err
}

type billingView struct {
	s *memState
}

func (v billingView) active(id billing.TransactionID) (billing.Transaction, bool) {
	t, ok := v.s.transactions[id]
	if !ok || t.DeletedAt != nil {
		return billing.Transaction{}, false
	}
	return t, true
}

func (v billingView) GetTransaction(_ context.Context, id billing.TransactionID) (*billing.Transaction, error) {
	t, ok := v.active(id)
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (v billingView) GetPayoutAccount(_ context.Context, provider generic.ProviderID) (*billing.PayoutAccount, error) {
	a, ok := v.s.accounts[provider]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (v billingView) SavePayoutAccount(_ context.Context, a billing.PayoutAccount) error {
	v.s.accounts[a.ProviderID] = a
	return nil
}

func (v billingView) InsertTransaction(_ context.Context, t billing.Transaction) (*billing.Transaction, error) {
	for _, existing := range v.s.transactions {
		if existing.DeletedAt == nil && existing.BillingID == t.BillingID && existing.ProviderID == t.ProviderID {
			return nil, fmt.Errorf("%w: billing %d already has a transaction for provider %d",
				generic.ErrConflict, t.BillingID, t.ProviderID)
		}
	}
	v.s.nextTxID++
	t.ID = v.s.nextTxID
	v.s.transactions[t.ID] = t
	return &t, nil
}

func (v billingView) ListEligible(_ context.Context, now time.Time, limit int) ([]billing.Candidate, error) {
	var out []billing.Candidate
	for _, t := range v.s.transactions {
		if t.DeletedAt != nil || t.Locked() || t.ReleaseStatus || t.NextState != billing.NextNone {
			continue
		}
		if t.ReleaseDate.After(now) {
			continue
		}
		acct, ok := v.s.accounts[t.ProviderID]
		if !ok || !acct.Payable() {
			continue
		}
		out = append(out, billing.Candidate{Transaction: t, Account: acct})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Transaction, out[j].Transaction
		if !a.ReleaseDate.Equal(b.ReleaseDate) {
			return a.ReleaseDate.Before(b.ReleaseDate)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v billingView) ListLeased(_ context.Context) ([]billing.Transaction, error) {
	var out []billing.Transaction
	for _, t := range v.s.transactions {
		if t.DeletedAt == nil && t.Locked() && t.LockOwner != "" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LockedAt.Equal(*out[j].LockedAt) {
			return out[i].LockedAt.Before(*out[j].LockedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// update applies fn to an active row when cond holds. Reports whether it did.
func (v billingView) update(id billing.TransactionID, cond func(billing.Transaction) bool, fn func(*billing.Transaction)) bool {
	t, ok := v.active(id)
	if !ok || !cond(t) {
		return false
	}
	fn(&t)
	v.s.transactions[id] = t
	return true
}

func (v billingView) AcquireLease(_ context.Context, id billing.TransactionID, lease billing.Lease) (bool, error) {
	return v.update(id,
		func(t billing.Transaction) bool {
			return !t.Locked() && !t.ReleaseStatus && t.NextState == billing.NextNone
		},
		func(t *billing.Transaction) {
			acquired, expires := lease.AcquiredAt, lease.ExpiresAt
			t.NextState = billing.NextPreparingForPayout
			t.LockedAt = &acquired
			t.LockOwner = lease.Owner
			t.LockExpiresAt = &expires
			t.UpdatedAt = acquired
		}), nil
}

func (v billingView) TakeOverLease(_ context.Context, id billing.TransactionID, from string, lease billing.Lease) (bool, error) {
	return v.update(id,
		func(t billing.Transaction) bool {
			return t.LockOwner == from && t.NextState != billing.NextNone
		},
		func(t *billing.Transaction) {
			acquired, expires := lease.AcquiredAt, lease.ExpiresAt
			t.LockOwner = lease.Owner
			t.LockExpiresAt = &expires
			if t.ReleaseStatus {
				t.LockedAt = nil
			} else {
				t.LockedAt = &acquired
			}
			t.UpdatedAt = acquired
		}), nil
}

func (v billingView) AdvanceCursor(_ context.Context, u billing.CursorUpdate) (bool, error) {
	return v.update(u.ID,
		func(t billing.Transaction) bool {
			return t.NextState == u.From && t.LockOwner == u.Owner
		},
		func(t *billing.Transaction) {
			t.NextState = u.To
			if u.TransferID != "" {
				t.TransferID = u.TransferID
			}
			if u.To == billing.NextNone {
				t.LockedAt = nil
				t.LockOwner = ""
				t.LockExpiresAt = nil
			}
			t.UpdatedAt = u.At
		}), nil
}

func (v billingView) FinalizePayout(_ context.Context, id billing.TransactionID, owner, transferID string, at time.Time) (bool, error) {
	return v.update(id,
		func(t billing.Transaction) bool {
			return t.NextState == billing.NextUpdateAfterPayout && t.LockOwner == owner
		},
		func(t *billing.Transaction) {
			t.NextState = billing.NextFinished
			t.State = billing.StatePaidOut
			t.ReleaseStatus = true
			t.TransferID = transferID
			t.LockedAt = nil
			t.LockExpiresAt = nil
			t.UpdatedAt = at
		}), nil
}

func (v billingView) Freeze(_ context.Context, id billing.TransactionID, reason string, at time.Time) (bool, error) {
	return v.update(id,
		func(t billing.Transaction) bool {
			return !t.Locked() && !t.ReleaseStatus && t.NextState == billing.NextNone
		},
		func(t *billing.Transaction) {
			locked := at
			t.LockedAt = &locked
			t.LockedReason = reason
			t.UpdatedAt = at
		}), nil
}

func (v billingView) Unfreeze(_ context.Context, id billing.TransactionID) (bool, error) {
	return v.update(id,
		func(t billing.Transaction) bool {
			return !t.ReleaseStatus && (t.Locked() || t.NextState != billing.NextNone)
		},
		func(t *billing.Transaction) {
			t.NextState = billing.NextNone
			t.LockedAt = nil
			t.LockOwner = ""
			t.LockExpiresAt = nil
			t.LockedReason = ""
		}), nil
}
