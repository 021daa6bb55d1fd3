package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/petcare-engine/api"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/gateway"
	"github.com/warp/petcare-engine/generic/store"
)

func newSchedulerFixture(t *testing.T) (*api.PayoutScheduler, *store.Memory, *gateway.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.Billing().SavePayoutAccount(context.Background(), billing.PayoutAccount{
		ProviderID: 20, AccountID: "acct_20", PayoutsEnabled: true, ChargesEnabled: true,
	}))
	_, err := mem.Billing().InsertTransaction(context.Background(), billing.Transaction{
		BillingID: 1, ProviderID: 20, Amount: decimal.RequireFromString("12.00"), Currency: "usd",
		ReleaseDate: today.Add(-time.Hour), State: billing.StateCustomerPaid,
	})
	require.NoError(t, err)

	gw := gateway.NewMemory()
	payouts := billing.NewService(mem.Billing(), gw, mem, nil)
	payouts.Now = func() time.Time { return today }
	return api.NewPayoutScheduler(payouts, nil), mem, gw
}

func TestPayoutScheduler_DisabledDoesNothing(t *testing.T) {
	ps, _, gw := newSchedulerFixture(t)
	ps.Enabled = false

	ps.Start()
	ps.Stop()

	assert.Zero(t, gw.Calls())
}

func TestPayoutScheduler_ZeroIntervalDisables(t *testing.T) {
	ps, _, gw := newSchedulerFixture(t)
	ps.Interval = 0

	ps.Start()
	ps.Stop()

	assert.Zero(t, gw.Calls())
}

func TestPayoutScheduler_RunNow(t *testing.T) {
	ps, _, gw := newSchedulerFixture(t)

	report, err := ps.RunNow(context.Background())

	require.NoError(t, err)
	assert.Len(t, report.Paid, 1)
	assert.Len(t, gw.Transfers(), 1)
}

func TestPayoutScheduler_StartSweepsImmediately(t *testing.T) {
	// GIVEN: A released transaction and a scheduler with a long interval
	// WHEN: Starting the scheduler
	// THEN: The first sweep runs right away and pays it

	ps, mem, gw := newSchedulerFixture(t)
	ps.Interval = time.Hour

	ps.Start()
	defer ps.Stop()

	require.Eventually(t, func() bool {
		return len(gw.Transfers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		tx, err := mem.Billing().GetTransaction(context.Background(), 1)
		return err == nil && tx != nil && tx.NextState == billing.NextNone && tx.ReleaseStatus
	}, 2*time.Second, 10*time.Millisecond)
}
