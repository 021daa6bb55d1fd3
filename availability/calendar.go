package availability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// CALENDAR QUERY SERVICE
// =============================================================================

// View is the bookable calendar of one service over a query window.
type View struct {
	ServiceID generic.ServiceID
	Timezone  string
	Dates     []string
}

// Calendar answers availability queries.
type Calendar struct {
	Store  Store
	Logger *zap.Logger

	// Concurrency bounds the per-service fan-out of aggregate queries.
	Concurrency int
}

func NewCalendar(store Store, logger *zap.Logger) *Calendar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calendar{Store: store, Logger: logger, Concurrency: 4}
}

// ServiceAvailability returns the bookable dates of a single service in
// [start, end], with date bounds read in the service's zone. A missing service or a service without any weekly pattern
// is NotFound.
func (c *Calendar) ServiceAvailability(ctx context.Context, id generic.ServiceID, start, end generic.Bound) (*View, error) {
	svc, err := c.Store.GetService(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load service %d: %w", id, err)
	}
	if svc == nil {
		return nil, fmt.Errorf("service %d: %w", id, generic.ErrNotFound)
	}

	view, err := c.compute(ctx, *svc, start, end)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("service %d has no weekly availability: %w", id, generic.ErrNotFound)
	}
	return view, nil
}

// ProviderAvailability computes every active service owned by owner. Each
// service is computed independently: services without a pattern are skipped
// and a failing service is logged and left out, never aborting the batch.
func (c *Calendar) ProviderAvailability(ctx context.Context, owner generic.UserID, start, end generic.Bound) ([]View, error) {
	services, err := c.Store.ListServicesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list services of user %d: %w", owner, err)
	}

	results := make([]*View, len(services))
	var g errgroup.Group
	g.SetLimit(c.concurrency())
	for i, svc := range services {
		g.Go(func() error {
			view, err := c.compute(ctx, svc, start, end)
			if err != nil {
				c.Logger.Warn("skipping service in aggregate calendar",
					zap.Int64("service_id", int64(svc.ID)), zap.Error(err))
				return nil
			}
			results[i] = view
			return nil
		})
	}
	_ = g.Wait()

	views := make([]View, 0, len(results))
	for _, v := range results {
		if v != nil {
			views = append(views, *v)
		}
	}
	return views, nil
}

// compute returns nil, nil when the service has no pattern.
func (c *Calendar) compute(ctx context.Context, svc Service, start, end generic.Bound) (*View, error) {
	loc, err := generic.ResolveLocation(svc.Timezone)
	if err != nil {
		return nil, err
	}

	pattern, err := c.Store.GetPattern(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("load pattern of service %d: %w", svc.ID, err)
	}
	if pattern == nil {
		return nil, nil
	}

	window, err := generic.WindowOf(start, end, loc)
	if err != nil {
		return nil, err
	}
	matched := MatchWeekly(window.Days(), pattern.Days, loc)

	available, err := c.Store.ListOverrides(ctx, OverrideQuery{
		ServiceIDs: []generic.ServiceID{svc.ID},
		Kind:       KindAvailable,
		From:       window.Start,
		Until:      window.Until(),
	})
	if err != nil {
		return nil, fmt.Errorf("load available overrides: %w", err)
	}
	unavailable, err := c.Store.ListOverrides(ctx, OverrideQuery{
		ServiceIDs: []generic.ServiceID{svc.ID},
		Kind:       KindUnavailable,
		From:       window.Start,
		Until:      window.Until(),
	})
	if err != nil {
		return nil, fmt.Errorf("load unavailable overrides: %w", err)
	}

	return &View{
		ServiceID: svc.ID,
		Timezone:  generic.ResolveTimezone(svc.Timezone),
		Dates:     Resolve(matched, overrideDates(available), overrideDates(unavailable), loc),
	}, nil
}

func (c *Calendar) concurrency() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}
