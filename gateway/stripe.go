/*
Package gateway holds billing.Gateway implementations.

PURPOSE:
  The payout dispatcher talks to the transfer provider through the
  billing.Gateway interface. Stripe is the production gateway; Memory backs
  local development and tests, with the same idempotency and group lookup
  behavior.

SEE ALSO:
  - billing/dispatcher.go: the only caller
*/
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/transfer"

	"github.com/warp/petcare-engine/billing"
)

// Stripe moves money to connected accounts with the Stripe Transfers API.
type Stripe struct {
	client transfer.Client
}

var _ billing.Gateway = (*Stripe)(nil)

// NewStripe builds a gateway authenticated with secretKey.
func NewStripe(secretKey string) *Stripe {
	return &Stripe{client: transfer.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

// ListTransfers returns every transfer tagged with groupKey.
func (s *Stripe) ListTransfers(ctx context.Context, groupKey string) ([]billing.Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(groupKey)}
	params.Context = ctx

	var out []billing.Transfer
	iter := s.client.List(params)
	for iter.Next() {
		out = append(out, fromStripe(iter.Transfer()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list transfers in group %s: %w", groupKey, err)
	}
	return out, nil
}

// CreateTransfer creates a transfer under the request's idempotency key.
func (s *Stripe) CreateTransfer(ctx context.Context, req billing.TransferRequest) (*billing.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.GroupKey),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := s.client.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create transfer in group %s: %w", req.GroupKey, err)
	}
	out := fromStripe(tr)
	out.IdempotencyKey = req.IdempotencyKey
	return &out, nil
}

func fromStripe(tr *stripe.Transfer) billing.Transfer {
	out := billing.Transfer{
		ID:        tr.ID,
		GroupKey:  tr.TransferGroup,
		Amount:    tr.Amount,
		Currency:  string(tr.Currency),
		CreatedAt: time.Unix(tr.Created, 0).UTC(),
	}
	if tr.Destination != nil {
		out.Destination = tr.Destination.ID
	}
	return out
}
