package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/gateway"
	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// AMOUNTS & KEYS
// =============================================================================

func TestPayableAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		rate     string
		expected string
		err      error
	}{
		{"usd rounds to cents", "12.345", "usd", "", "12.35", nil},
		{"usd upper case", "40", "USD", "", "40", nil},
		{"converted with rate", "10", "eur", "1.1", "11", nil},
		{"missing rate", "10", "eur", "", "", generic.ErrBadRequest},
		{"zero after rounding", "0.001", "usd", "", "", generic.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := billing.Transaction{ID: 1, Amount: decimal.RequireFromString(tt.amount), Currency: tt.currency}
			if tt.rate != "" {
				tx.ExchangeRate = decimal.NewNullDecimal(decimal.RequireFromString(tt.rate))
			}

			got, err := billing.PayableAmount(tx)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.expected).Equal(got), "got %s", got)
		})
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1235), billing.MinorUnits(decimal.RequireFromString("12.35")))
	assert.Equal(t, int64(1100), billing.MinorUnits(decimal.RequireFromString("11")))
}

func TestKeys_StableAcrossCalls(t *testing.T) {
	tx := billing.Transaction{ID: 7, BillingID: 3}

	assert.Equal(t, "billing_3_tx_7", billing.GroupKey(tx))
	assert.Equal(t, billing.IdempotencyKey(tx), billing.IdempotencyKey(tx))
	assert.NotEqual(t, billing.IdempotencyKey(tx), billing.IdempotencyKey(billing.Transaction{ID: 8, BillingID: 3}))
}

// =============================================================================
// DISPATCHER
// =============================================================================

var testAccount = billing.PayoutAccount{ProviderID: 1, AccountID: "acct_1", PayoutsEnabled: true, ChargesEnabled: true}

func TestDispatcher_CreatesOnceThenReuses(t *testing.T) {
	// GIVEN: A transaction with no transfer yet
	// WHEN: Paying out twice with the same group key
	// THEN: The second call returns the first transfer without creating another

	gw := gateway.NewMemory()
	d := billing.NewDispatcher(gw, nil)
	tx := billing.Transaction{ID: 7, BillingID: 3, Amount: decimal.RequireFromString("25.50"), Currency: "usd"}

	first, err := d.Payout(context.Background(), tx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(2550), first.Amount)
	assert.Equal(t, "acct_1", first.Destination)
	assert.Equal(t, billing.GroupKey(tx), first.GroupKey)

	second, err := d.Payout(context.Background(), tx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, gw.Calls())
	assert.Len(t, gw.Transfers(), 1)
}

func TestDispatcher_MismatchedExistingTransfer_Conflict(t *testing.T) {
	gw := gateway.NewMemory()
	d := billing.NewDispatcher(gw, nil)
	tx := billing.Transaction{ID: 7, BillingID: 3, Amount: decimal.RequireFromString("25.50"), Currency: "usd"}

	_, err := gw.CreateTransfer(context.Background(), billing.TransferRequest{
		GroupKey: billing.GroupKey(tx), Destination: "acct_other", Amount: 999, Currency: "usd",
	})
	require.NoError(t, err)

	_, err = d.Payout(context.Background(), tx, testAccount)
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestDispatcher_GatewayFailure_TransferError(t *testing.T) {
	// GIVEN: A gateway that rejects the next transfer
	// WHEN: Paying out
	// THEN: The failure is a BadRequest-class TransferError carrying the keys

	gw := gateway.NewMemory()
	declined := errors.New("insufficient platform balance")
	gw.FailNext(1, declined)
	d := billing.NewDispatcher(gw, nil)
	tx := billing.Transaction{ID: 7, BillingID: 3, Amount: decimal.RequireFromString("25.50"), Currency: "usd"}

	_, err := d.Payout(context.Background(), tx, testAccount)

	var te *generic.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, billing.GroupKey(tx), te.GroupKey)
	assert.Equal(t, billing.IdempotencyKey(tx), te.IdempotencyKey)
	assert.ErrorIs(t, err, generic.ErrBadRequest)
	assert.ErrorIs(t, err, declined)
	assert.Empty(t, gw.Transfers())
}
