package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// TRANSFER GATEWAY
// =============================================================================

// Transfer is a money movement to a connected account, in minor units.
type Transfer struct {
	ID             string
	GroupKey       string
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	CreatedAt      time.Time
}

// TransferRequest asks the gateway to move Amount minor units of Currency.
type TransferRequest struct {
	GroupKey       string
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Gateway is the external transfer API. Implementations must honor the
// idempotency key and support lookup by group.
type Gateway interface {
	ListTransfers(ctx context.Context, groupKey string) ([]Transfer, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// =============================================================================
// KEYS & AMOUNTS
// =============================================================================

// GroupKey tags every transfer made for one billing transaction.
func GroupKey(t Transaction) string {
	return fmt.Sprintf("billing_%d_tx_%d", t.BillingID, t.ID)
}

// IdempotencyKey is derived from stable identifiers so retried calls reuse it.
func IdempotencyKey(t Transaction) string {
	return fmt.Sprintf("payout-%d-%d", t.BillingID, t.ID)
}

// PayableAmount is the amount owed in BaseCurrency, rounded to cents. Non-USD
// amounts are converted with the stored exchange rate.
func PayableAmount(t Transaction) (decimal.Decimal, error) {
	amount := t.Amount
	if !strings.EqualFold(t.Currency, BaseCurrency) {
		if !t.ExchangeRate.Valid || !t.ExchangeRate.Decimal.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: transaction %d in %s has no exchange rate",
				generic.ErrBadRequest, t.ID, t.Currency)
		}
		amount = amount.Mul(t.ExchangeRate.Decimal)
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: transaction %d has non-positive payable amount %s",
			generic.ErrBadRequest, t.ID, amount)
	}
	return amount, nil
}

// MinorUnits converts a two-decimal amount to cents.
func MinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher performs the PAYING_OUT step.
type Dispatcher struct {
	Gateway Gateway
	Logger  *zap.Logger
}

func NewDispatcher(gw Gateway, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Gateway: gw, Logger: logger}
}

// Payout reuses a transfer already made for t's group, or creates one. A
// gateway failure is returned as *generic.TransferError and is never retried
// here.
func (d *Dispatcher) Payout(ctx context.Context, t Transaction, acct PayoutAccount) (*Transfer, error) {
	group := GroupKey(t)
	key := IdempotencyKey(t)
	log := d.Logger.With(
		zap.Int64("transaction_id", int64(t.ID)),
		zap.Int64("billing_id", t.BillingID),
		zap.String("group_key", group),
		zap.String("idempotency_key", key))

	amount, err := PayableAmount(t)
	if err != nil {
		return nil, err
	}
	cents := MinorUnits(amount)

	existing, err := d.Gateway.ListTransfers(ctx, group)
	if err != nil {
		log.Error("listing transfers failed", zap.Error(err))
		return nil, &generic.TransferError{TransactionID: int64(t.ID), GroupKey: group, IdempotencyKey: key, Err: err}
	}
	for _, tr := range existing {
		if tr.Amount != cents || tr.Destination != acct.AccountID {
			log.Error("existing transfer does not match payout",
				zap.String("transfer_id", tr.ID),
				zap.Int64("transfer_amount", tr.Amount),
				zap.Int64("expected_amount", cents))
			return nil, fmt.Errorf("%w: transfer %s in group %s does not match transaction %d",
				generic.ErrConflict, tr.ID, group, t.ID)
		}
		log.Info("reusing existing transfer", zap.String("transfer_id", tr.ID))
		found := tr
		return &found, nil
	}

	created, err := d.Gateway.CreateTransfer(ctx, TransferRequest{
		GroupKey:       group,
		Destination:    acct.AccountID,
		Amount:         cents,
		Currency:       BaseCurrency,
		IdempotencyKey: key,
		Metadata: map[string]string{
			"billing_transaction_id": strconv.FormatInt(int64(t.ID), 10),
			"billing_id":             strconv.FormatInt(t.BillingID, 10),
		},
	})
	if err != nil {
		log.Error("creating transfer failed",
			zap.String("destination", acct.AccountID),
			zap.Int64("amount", cents),
			zap.Error(err))
		return nil, &generic.TransferError{TransactionID: int64(t.ID), GroupKey: group, IdempotencyKey: key, Err: err}
	}

	log.Info("transfer created", zap.String("transfer_id", created.ID), zap.Int64("amount", cents))
	return created, nil
}
