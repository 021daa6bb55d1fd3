package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/gateway"
	"github.com/warp/petcare-engine/generic"
	"github.com/warp/petcare-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	adminID    generic.UserID     = 1
	ownerID    generic.UserID     = 2
	strangerID generic.UserID     = 3
	providerID generic.ProviderID = 20
	serviceID  generic.ServiceID  = 5
)

var now = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	return openSeeded(t, ":memory:")
}

func openSeeded(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveUser(ctx, adminID, "ops@example.com", true))
	require.NoError(t, store.SaveUser(ctx, ownerID, "sitter@example.com", false))
	require.NoError(t, store.SaveUser(ctx, strangerID, "other@example.com", false))
	require.NoError(t, store.SaveProvider(ctx, providerID, ownerID, "America/New_York"))
	require.NoError(t, store.SaveProvider(ctx, providerID+1, strangerID, ""))
	require.NoError(t, store.SaveService(ctx, availability.Service{ID: serviceID, ProviderID: providerID, Name: "Dog walking"}))
	require.NoError(t, store.SaveService(ctx, availability.Service{ID: serviceID + 1, ProviderID: providerID + 1, Name: "Cat sitting"}))
	require.NoError(t, store.Billing().SavePayoutAccount(ctx, billing.PayoutAccount{
		ProviderID: providerID, AccountID: "acct_20", PayoutsEnabled: true, ChargesEnabled: true,
	}))
	return store
}

func nyMidnight(t *testing.T, y int, m time.Month, d int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func insertCharge(t *testing.T, store *sqlite.Store, billingID int64, release time.Time) billing.Transaction {
	t.Helper()
	tx, err := store.Billing().InsertTransaction(context.Background(), billing.Transaction{
		BillingID:   billingID,
		ProviderID:  providerID,
		Amount:      decimal.RequireFromString("42.10"),
		Currency:    "usd",
		ReleaseDate: release,
		State:       billing.StateCustomerPaid,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	return *tx
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestStore_IsAdmin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for user, expected := range map[generic.UserID]bool{adminID: true, ownerID: false, 404: false} {
		got, err := store.IsAdmin(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, expected, got, "user %d", user)
	}
}

func TestStore_ServiceJoinsProvider(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	svc, err := store.Availability().GetService(ctx, serviceID)
	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.Equal(t, ownerID, svc.OwnerID)
	assert.Equal(t, "America/New_York", svc.Timezone)

	missing, err := store.Availability().GetService(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.SaveService(ctx, availability.Service{ID: 7, ProviderID: 999})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	owned, err := store.Availability().ListServicesByOwner(ctx, strangerID)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, serviceID+1, owned[0].ID)
	assert.Empty(t, owned[0].Timezone)
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func TestStore_PatternRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := availability.Pattern{
		ServiceID: serviceID,
		Days:      availability.WeekdaysOf(time.Sunday, time.Wednesday, time.Saturday),
		FullDay:   true,
		UpdatedAt: now,
	}
	require.NoError(t, store.Availability().SavePattern(ctx, p))

	got, err := store.Availability().GetPattern(ctx, serviceID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Days, got.Days)
	assert.True(t, got.FullDay)
	assert.True(t, got.UpdatedAt.Equal(now))

	none, err := store.Availability().GetPattern(ctx, serviceID+1)
	require.NoError(t, err)
	assert.Nil(t, none)

	err = store.Availability().SavePattern(ctx, availability.Pattern{ServiceID: 999, UpdatedAt: now})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_OverridesWindowAndSoftDelete(t *testing.T) {
	// GIVEN: Overrides on Jan 9..12 for one service
	// WHEN: Listing and soft-deleting the window [Jan 10, Jan 12)
	// THEN: Only rows inside the half-open window are affected

	store := newTestStore(t)
	ctx := context.Background()
	repo := store.Availability()

	var rows []availability.Override
	for day := 9; day <= 12; day++ {
		rows = append(rows, availability.Override{
			ServiceID: serviceID,
			Kind:      availability.KindUnavailable,
			Date:      nyMidnight(t, 2024, time.January, day),
			CreatedBy: ownerID,
			Metadata:  availability.HolidayMetadata{Name: "Winter break"},
			CreatedAt: now,
		})
	}
	require.NoError(t, repo.InsertOverrides(ctx, rows))

	q := availability.OverrideQuery{
		ServiceIDs: []generic.ServiceID{serviceID},
		Kind:       availability.KindUnavailable,
		From:       nyMidnight(t, 2024, time.January, 10),
		Until:      nyMidnight(t, 2024, time.January, 12),
	}
	listed, err := repo.ListOverrides(ctx, q)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.True(t, listed[0].Date.Equal(nyMidnight(t, 2024, time.January, 10)))
	assert.Equal(t, availability.HolidayMetadata{Name: "Winter break"}, listed[0].Metadata)

	n, err := repo.SoftDeleteOverrides(ctx, q, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := repo.ListOverrides(ctx, availability.OverrideQuery{ServiceIDs: []generic.ServiceID{serviceID}})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	other, err := repo.ListOverrides(ctx, availability.OverrideQuery{ServiceIDs: []generic.ServiceID{serviceID}, Kind: availability.KindAvailable})
	require.NoError(t, err)
	assert.Empty(t, other)

	err = repo.InsertOverrides(ctx, []availability.Override{{ServiceID: 999, Kind: availability.KindAvailable, Date: now, CreatedAt: now}})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestStore_EditorAddAvailableDates(t *testing.T) {
	// GIVEN: Service 5 in New York, owned by the caller, with an existing
	//        unavailable override on Jan 11
	// WHEN: Adding available dates 2024-01-10..2024-01-12
	// THEN: Exactly three active available rows remain

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Availability().InsertOverrides(ctx, []availability.Override{{
		ServiceID: serviceID, Kind: availability.KindUnavailable,
		Date: nyMidnight(t, 2024, time.January, 11), CreatedBy: ownerID, CreatedAt: now,
	}}))

	editor := availability.NewEditor(store.Availability(), store, nil)
	editor.Now = func() time.Time { return now }

	_, err := editor.AddAvailableDates(ctx, availability.RangeRequest{
		Actor: ownerID, From: "2024-01-10", To: "2024-01-12", ServiceIDs: []generic.ServiceID{serviceID},
	})
	require.NoError(t, err)

	active, err := store.Availability().ListOverrides(ctx, availability.OverrideQuery{ServiceIDs: []generic.ServiceID{serviceID}})
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, o := range active {
		assert.Equal(t, availability.KindAvailable, o.Kind)
	}

	var total int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM date_overrides WHERE service_id = ?", serviceID).Scan(&total))
	assert.Equal(t, 4, total, "superseded row is soft-deleted, not removed")

	entries, err := store.ListAudit(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditOverridesEdited}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].Payload["inserted"])
}

// abortingInserts fails every insert made inside a transaction.
type abortingInserts struct {
	availability.TxStore
}

func (a abortingInserts) WithTx(ctx context.Context, fn func(availability.Store) error) error {
	return a.TxStore.WithTx(ctx, func(s availability.Store) error {
		return fn(abortOnInsert{s})
	})
}

type abortOnInsert struct {
	availability.Store
}

func (abortOnInsert) InsertOverrides(context.Context, []availability.Override) error {
	return errors.New("connection reset")
}

func TestStore_EditorRollsBackOnInsertFailure(t *testing.T) {
	// GIVEN: An unavailable override and an insert that fails after the
	//        soft-delete statement ran inside the transaction
	// WHEN: Adding available dates over it
	// THEN: The soft-delete is rolled back

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Availability().InsertOverrides(ctx, []availability.Override{{
		ServiceID: serviceID, Kind: availability.KindUnavailable,
		Date: nyMidnight(t, 2024, time.January, 11), CreatedBy: ownerID, CreatedAt: now,
	}}))

	editor := availability.NewEditor(abortingInserts{store.Availability()}, store, nil)
	editor.Now = func() time.Time { return now }

	_, err := editor.AddAvailableDates(ctx, availability.RangeRequest{
		Actor: ownerID, From: "2024-01-10", To: "2024-01-12", ServiceIDs: []generic.ServiceID{serviceID},
	})
	require.Error(t, err)

	active, err := store.Availability().ListOverrides(ctx, availability.OverrideQuery{ServiceIDs: []generic.ServiceID{serviceID}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, availability.KindUnavailable, active[0].Kind)
}

// =============================================================================
// BILLING
// =============================================================================

func TestStore_TransactionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stored, err := store.Billing().InsertTransaction(ctx, billing.Transaction{
		BillingID:     300,
		ProviderID:    providerID,
		AppointmentID: 12,
		Amount:        decimal.RequireFromString("80.00"),
		Currency:      "eur",
		ExchangeRate:  decimal.NewNullDecimal(decimal.RequireFromString("1.0825")),
		ReleaseDate:   now.AddDate(0, 0, 7),
		State:         billing.StateCustomerPaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)

	assert.NotZero(t, stored.ID)
	assert.True(t, decimal.RequireFromString("80").Equal(stored.Amount))
	require.True(t, stored.ExchangeRate.Valid)
	assert.Equal(t, "1.0825", stored.ExchangeRate.Decimal.String())
	assert.True(t, stored.ReleaseDate.Equal(now.AddDate(0, 0, 7)))
	assert.Equal(t, billing.NextNone, stored.NextState)
	assert.Nil(t, stored.LockedAt)

	_, err = store.Billing().InsertTransaction(ctx, billing.Transaction{
		BillingID: 300, ProviderID: providerID, Amount: decimal.NewFromInt(1), Currency: "usd",
		ReleaseDate: now, State: billing.StateCustomerPaid, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, generic.ErrConflict)

	_, err = store.Billing().InsertTransaction(ctx, billing.Transaction{
		BillingID: 301, ProviderID: 999, Amount: decimal.NewFromInt(1), Currency: "usd",
		ReleaseDate: now, State: billing.StateCustomerPaid, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	missing, err := store.Billing().GetTransaction(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_ListEligible(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repo := store.Billing()

	due := insertCharge(t, store, 1, now.Add(-24*time.Hour))
	insertCharge(t, store, 2, now.Add(24*time.Hour))
	frozen := insertCharge(t, store, 3, now.Add(-48*time.Hour))
	ok, err := repo.Freeze(ctx, frozen.ID, "dispute", now)
	require.NoError(t, err)
	require.True(t, ok)

	candidates, err := repo.ListEligible(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, due.ID, candidates[0].Transaction.ID)
	assert.Equal(t, "acct_20", candidates[0].Account.AccountID)
	assert.True(t, candidates[0].Account.Payable())

	require.NoError(t, repo.SavePayoutAccount(ctx, billing.PayoutAccount{ProviderID: providerID, AccountID: "acct_20", PayoutsEnabled: true}))
	candidates, err = repo.ListEligible(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates, "charges disabled")
}

func TestStore_LeaseConditionalUpdates(t *testing.T) {
	// GIVEN: One idle transaction
	// WHEN: Two owners try to lease it and walk it
	// THEN: Only the first lease applies and only its owner can advance

	store := newTestStore(t)
	ctx := context.Background()
	repo := store.Billing()
	tx := insertCharge(t, store, 1, now)

	lease := billing.Lease{Owner: "run-a", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}
	ok, err := repo.AcquireLease(ctx, tx.ID, lease)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AcquireLease(ctx, tx.ID, billing.Lease{Owner: "run-b", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, ok)

	leased, err := repo.ListLeased(ctx)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	got, held := billing.LeaseOf(leased[0])
	require.True(t, held)
	assert.Equal(t, "run-a", got.Owner)
	assert.False(t, got.Expired(now))
	assert.True(t, got.Expired(now.Add(2*time.Hour)))

	step := billing.CursorUpdate{ID: tx.ID, Owner: "run-b", From: billing.NextPreparingForPayout, To: billing.NextPayingOut, At: now}
	ok, err = repo.AdvanceCursor(ctx, step)
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner")

	step.Owner = "run-a"
	ok, err = repo.AdvanceCursor(ctx, step)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AdvanceCursor(ctx, step)
	require.NoError(t, err)
	assert.False(t, ok, "cursor already moved")

	ok, err = repo.TakeOverLease(ctx, tx.ID, "run-a", billing.Lease{Owner: "admin", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AdvanceCursor(ctx, billing.CursorUpdate{
		ID: tx.ID, Owner: "admin", From: billing.NextPayingOut, To: billing.NextUpdateAfterPayout, TransferID: "tr_1", At: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.FinalizePayout(ctx, tx.ID, "admin", "tr_1", now)
	require.NoError(t, err)
	require.True(t, ok)

	finished, err := repo.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.NextFinished, finished.NextState)
	assert.Equal(t, billing.StatePaidOut, finished.State)
	assert.True(t, finished.ReleaseStatus)
	assert.Nil(t, finished.LockedAt)
	assert.Equal(t, "admin", finished.LockOwner)

	ok, err = repo.AdvanceCursor(ctx, billing.CursorUpdate{ID: tx.ID, Owner: "admin", From: billing.NextFinished, To: billing.NextNone, At: now})
	require.NoError(t, err)
	require.True(t, ok)

	closed, err := repo.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.NextNone, closed.NextState)
	assert.Empty(t, closed.LockOwner)
	assert.Equal(t, "tr_1", closed.TransferID)

	ok, err = repo.Unfreeze(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, ok, "released transactions cannot be unlocked")
}

func TestStore_FreezeUnfreeze(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	repo := store.Billing()
	tx := insertCharge(t, store, 1, now)

	ok, err := repo.Freeze(ctx, tx.ID, "dispute", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Freeze(ctx, tx.ID, "again", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.AcquireLease(ctx, tx.ID, billing.Lease{Owner: "run", AcquiredAt: now, ExpiresAt: now})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Unfreeze(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked())
	assert.Empty(t, got.LockedReason)
}

// =============================================================================
// PAYOUT SERVICE ON SQLITE
// =============================================================================

func TestStore_ConcurrentSweepsAcrossConnections(t *testing.T) {
	// GIVEN: Two store handles on one database file, as two processes would have
	// WHEN: Both select candidates concurrently
	// THEN: Every due transaction is leased by exactly one of them

	path := filepath.Join(t.TempDir(), "petcare.db")
	first := openSeeded(t, path)
	second, err := sqlite.New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	for i := int64(1); i <= 15; i++ {
		insertCharge(t, first, i, now.Add(-time.Hour))
	}

	services := []*billing.Service{
		billing.NewService(first.Billing(), gateway.NewMemory(), first, nil),
		billing.NewService(second.Billing(), gateway.NewMemory(), second, nil),
	}
	for _, svc := range services {
		svc.Now = func() time.Time { return now }
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		leased = map[billing.TransactionID]int{}
	)
	for round := 0; round < 3; round++ {
		for i, svc := range services {
			owner := fmt.Sprintf("proc-%d-%d", i, round)
			wg.Add(1)
			go func() {
				defer wg.Done()
				locked, err := svc.SelectCandidates(context.Background(), owner)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, c := range locked {
					leased[c.Transaction.ID]++
				}
			}()
		}
	}
	wg.Wait()

	require.Len(t, leased, 15)
	for id, n := range leased {
		assert.Equal(t, 1, n, "transaction %d", id)
	}
}

func TestStore_SweepEndToEnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx := insertCharge(t, store, 1, now.Add(-time.Hour))

	gw := gateway.NewMemory()
	svc := billing.NewService(store.Billing(), gw, store, nil)
	svc.Now = func() time.Time { return now }

	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []billing.TransactionID{tx.ID}, report.Paid)

	paid, err := store.Billing().GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatePaidOut, paid.State)
	assert.True(t, paid.ReleaseStatus)
	require.Len(t, gw.Transfers(), 1)
	assert.Equal(t, gw.Transfers()[0].ID, paid.TransferID)
	assert.Equal(t, int64(4210), gw.Transfers()[0].Amount)

	entries, err := store.ListAudit(ctx, generic.AuditFilter{Subject: fmt.Sprintf("billing_transaction:%d", tx.ID)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.AuditPayoutFinished, entries[0].Action)
	assert.Equal(t, paid.TransferID, entries[0].Payload["transfer_id"])
}
