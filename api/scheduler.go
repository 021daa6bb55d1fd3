/*
scheduler.go - In-process payout scheduler

PURPOSE:
  Periodically runs the batch payout sweep, for deployments without an
  external cron calling GET /api/payment-dispatcher/candidates. Both paths
  are safe to run together: candidate locking excludes overlapping sweeps.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Lock contention is logged as a skipped run, not an error

USAGE:
  scheduler := NewPayoutScheduler(payouts, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing/payout.go: Sweep
  - handlers.go: RunCandidates (cron-triggered sweep)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

// PayoutScheduler runs the payout sweep on a ticker.
type PayoutScheduler struct {
	Payouts  *billing.Service
	Logger   *zap.Logger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPayoutScheduler creates a scheduler with a one hour interval.
func NewPayoutScheduler(payouts *billing.Service, logger *zap.Logger) *PayoutScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayoutScheduler{
		Payouts:  payouts,
		Logger:   logger,
		Interval: time.Hour,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (ps *PayoutScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled || ps.Interval <= 0 {
		ps.Logger.Info("payout scheduler disabled")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.Interval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)
	go ps.run()

	ps.Logger.Info("payout scheduler started", zap.Duration("interval", ps.Interval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (ps *PayoutScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker == nil {
		return
	}
	ps.ticker.Stop()
	close(ps.stop)
	ps.wg.Wait()
	ps.ticker = nil
	ps.Logger.Info("payout scheduler stopped")
}

// RunNow triggers an immediate sweep.
func (ps *PayoutScheduler) RunNow(ctx context.Context) (*billing.SweepReport, error) {
	return ps.Payouts.Sweep(ctx)
}

func (ps *PayoutScheduler) run() {
	defer ps.wg.Done()

	ps.sweep()
	for {
		select {
		case <-ps.ticker.C:
			ps.sweep()
		case <-ps.stop:
			return
		}
	}
}

func (ps *PayoutScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), ps.Interval)
	defer cancel()

	report, err := ps.Payouts.Sweep(ctx)
	switch {
	case generic.IsRetryable(err):
		ps.Logger.Info("scheduled payout sweep skipped", zap.Error(err))
	case err != nil:
		ps.Logger.Error("scheduled payout sweep failed", zap.Error(err))
	case len(report.Locked) > 0:
		ps.Logger.Info("scheduled payout sweep completed",
			zap.Int("paid", len(report.Paid)),
			zap.Int("failed", len(report.Failed)))
	}
}
