package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/gateway"
	"github.com/warp/petcare-engine/generic"
)

func request(key string, amount int64) billing.TransferRequest {
	return billing.TransferRequest{
		GroupKey:       "billing_3_tx_7",
		Destination:    "acct_1",
		Amount:         amount,
		Currency:       "usd",
		IdempotencyKey: key,
	}
}

func TestMemory_IdempotencyKeyReturnsOriginal(t *testing.T) {
	gw := gateway.NewMemory()
	ctx := context.Background()

	first, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))
	require.NoError(t, err)
	second, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, gw.Transfers(), 1)
	assert.Equal(t, 2, gw.Calls())
}

func TestMemory_KeyReusedWithDifferentParams_Conflict(t *testing.T) {
	gw := gateway.NewMemory()
	ctx := context.Background()

	_, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))
	require.NoError(t, err)

	_, err = gw.CreateTransfer(ctx, request("payout-3-7", 9999))
	assert.ErrorIs(t, err, generic.ErrConflict)
	assert.Len(t, gw.Transfers(), 1)
}

func TestMemory_FailNext(t *testing.T) {
	gw := gateway.NewMemory()
	ctx := context.Background()
	declined := errors.New("card_declined")
	gw.FailNext(2, declined)

	for i := 0; i < 2; i++ {
		_, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))
		assert.ErrorIs(t, err, declined)
	}
	_, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))
	require.NoError(t, err)
	assert.Len(t, gw.Transfers(), 1)
	assert.Equal(t, 3, gw.Calls())
}

func TestMemory_CanceledContext(t *testing.T) {
	gw := gateway.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, gw.Calls())
}

func TestMemory_ListTransfersByGroup(t *testing.T) {
	gw := gateway.NewMemory()
	ctx := context.Background()

	_, err := gw.CreateTransfer(ctx, request("payout-3-7", 2550))
	require.NoError(t, err)
	other := request("payout-4-8", 100)
	other.GroupKey = "billing_4_tx_8"
	_, err = gw.CreateTransfer(ctx, other)
	require.NoError(t, err)

	got, err := gw.ListTransfers(ctx, "billing_3_tx_7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2550), got[0].Amount)
	assert.Equal(t, "payout-3-7", got[0].IdempotencyKey)

	none, err := gw.ListTransfers(ctx, "billing_9_tx_9")
	require.NoError(t, err)
	assert.Empty(t, none)
}
