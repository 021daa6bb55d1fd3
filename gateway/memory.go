package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

// Memory is an in-process gateway. Requests repeating an idempotency key
// return the original transfer; a key reused with different parameters is a
// conflict.
type Memory struct {
	mu        sync.Mutex
	transfers []billing.Transfer
	byKey     map[string]int
	calls     int

	failNext int
	failErr  error

	Now func() time.Time
}

var _ billing.Gateway = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{byKey: map[string]int{}, Now: time.Now}
}

// FailNext makes the next n CreateTransfer calls return err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

func (m *Memory) ListTransfers(ctx context.Context, groupKey string) ([]billing.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []billing.Transfer
	for _, tr := range m.transfers {
		if tr.GroupKey == groupKey {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *Memory) CreateTransfer(ctx context.Context, req billing.TransferRequest) (*billing.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.failNext > 0 {
		m.failNext--
		return nil, m.failErr
	}

	if i, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		prev := m.transfers[i]
		if prev.Amount != req.Amount || prev.Destination != req.Destination || prev.GroupKey != req.GroupKey {
			return nil, fmt.Errorf("%w: idempotency key %s reused with different parameters",
				generic.ErrConflict, req.IdempotencyKey)
		}
		return &prev, nil
	}

	tr := billing.Transfer{
		ID:             "tr_" + uuid.NewString(),
		GroupKey:       req.GroupKey,
		Destination:    req.Destination,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      m.Now(),
	}
	m.transfers = append(m.transfers, tr)
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = len(m.transfers) - 1
	}
	return &tr, nil
}

// Transfers returns every transfer created so far.
func (m *Memory) Transfers() []billing.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.Transfer(nil), m.transfers...)
}

// Calls counts CreateTransfer invocations, including failed ones.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
