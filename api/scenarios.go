/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	marketplace data. Each scenario creates users, providers, services and
	then drives the real calendar and payout services, so the loaded state
	went through the same validation and audit trail as live traffic.

AVAILABLE SCENARIOS:

	weekday-walker:   Mon-Fri dog walker in New York with a holiday next week
	weekend-sitter:   Weekend cat sitter in Tokyo with extra available dates
	pending-payouts:  Released, in-grace, foreign-currency and locked charges
	disabled-account: Released charge whose payout account cannot receive funds

HOW SCENARIOS WORK:
 1. Upsert the scenario's users, providers and services
 2. Save weekly patterns and date overrides through availability.Editor
 3. Record charges and locks through billing.Service as the demo admin

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "pending-payouts"}

NOTES:

	Scenario routes exist only when Handler.Seeder is set (development).
	Directory rows are upserts and override edits replace their range, but
	charges are not: loading a payout scenario twice answers 409.

SEE ALSO:
  - handlers.go: domain handlers the loaders share
  - store/sqlite/sqlite.go: SaveUser, SaveProvider, SaveService
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

// Seeder writes the directory rows scenarios need.
type Seeder interface {
	SaveUser(ctx context.Context, id generic.UserID, email string, admin bool) error
	SaveProvider(ctx context.Context, id generic.ProviderID, user generic.UserID, timezone string) error
	SaveService(ctx context.Context, s availability.Service) error
}

// DemoAdmin is the administrator every scenario creates.
const DemoAdmin generic.UserID = 1

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "weekday-walker",
		Name:        "Weekday Walker",
		Description: "Mon-Fri dog walking in New York, unavailable one day next week",
		Category:    "availability",
	},
	{
		ID:          "weekend-sitter",
		Name:        "Weekend Sitter",
		Description: "Weekend cat sitting in Tokyo plus two extra weekdays",
		Category:    "availability",
	},
	{
		ID:          "pending-payouts",
		Name:        "Pending Payouts",
		Description: "Released, in-grace, EUR and locked charges for one provider",
		Category:    "payouts",
	},
	{
		ID:          "disabled-account",
		Name:        "Disabled Account",
		Description: "Released charge held back by a payout account with transfers disabled",
		Category:    "payouts",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context) error

var scenarioLoaders = map[string]scenarioLoader{
	"weekday-walker":   (*Handler).loadWeekdayWalkerScenario,
	"weekend-sitter":   (*Handler).loadWeekendSitterScenario,
	"pending-payouts":  (*Handler).loadPendingPayoutsScenario,
	"disabled-account": (*Handler).loadDisabledAccountScenario,
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := load(h, r.Context()); err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type demoProvider struct {
	user     generic.UserID
	email    string
	provider generic.ProviderID
	timezone string
	services []availability.Service
}

func (h *Handler) seedProvider(ctx context.Context, p demoProvider) error {
	if err := h.Seeder.SaveUser(ctx, DemoAdmin, "admin@petcare.example", true); err != nil {
		return err
	}
	if err := h.Seeder.SaveUser(ctx, p.user, p.email, false); err != nil {
		return err
	}
	if err := h.Seeder.SaveProvider(ctx, p.provider, p.user, p.timezone); err != nil {
		return err
	}
	for _, svc := range p.services {
		svc.ProviderID = p.provider
		if err := h.Seeder.SaveService(ctx, svc); err != nil {
			return err
		}
	}
	return nil
}

// daysFromNow formats a date relative to the editor clock.
func (h *Handler) daysFromNow(days int) string {
	return h.Editor.Now().AddDate(0, 0, days).UTC().Format(generic.DateLayout)
}

func (h *Handler) loadWeekdayWalkerScenario(ctx context.Context) error {
	p := demoProvider{
		user: 101, email: "walker@petcare.example", provider: 201, timezone: "America/New_York",
		services: []availability.Service{{ID: 301, Name: "Dog walking"}},
	}
	if err := h.seedProvider(ctx, p); err != nil {
		return err
	}

	weekdays := availability.WeekdaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
	if _, err := h.Editor.SetPattern(ctx, p.user, 301, weekdays, true); err != nil {
		return err
	}
	_, err := h.Editor.AddUnavailableDates(ctx, availability.RangeRequest{
		Actor:    p.user,
		From:     h.daysFromNow(7),
		Metadata: availability.HolidayMetadata{Name: "Vet conference"},
	})
	return err
}

func (h *Handler) loadWeekendSitterScenario(ctx context.Context) error {
	p := demoProvider{
		user: 102, email: "sitter@petcare.example", provider: 202, timezone: "Asia/Tokyo",
		services: []availability.Service{
			{ID: 302, Name: "Cat sitting"},
			{ID: 303, Name: "Overnight boarding"},
		},
	}
	if err := h.seedProvider(ctx, p); err != nil {
		return err
	}

	weekend := availability.WeekdaysOf(time.Saturday, time.Sunday)
	for _, id := range []generic.ServiceID{302, 303} {
		if _, err := h.Editor.SetPattern(ctx, p.user, id, weekend, true); err != nil {
			return err
		}
	}
	_, err := h.Editor.AddAvailableDates(ctx, availability.RangeRequest{
		Actor:      p.user,
		From:       h.daysFromNow(3),
		To:         h.daysFromNow(4),
		ServiceIDs: []generic.ServiceID{302},
	})
	return err
}

func (h *Handler) loadPendingPayoutsScenario(ctx context.Context) error {
	p := demoProvider{
		user: 103, email: "groomer@petcare.example", provider: 203, timezone: "Europe/London",
		services: []availability.Service{{ID: 304, Name: "Grooming"}},
	}
	if err := h.seedProvider(ctx, p); err != nil {
		return err
	}
	if err := h.Payouts.Store.SavePayoutAccount(ctx, billing.PayoutAccount{
		ProviderID: p.provider, AccountID: "acct_demo_203", PayoutsEnabled: true, ChargesEnabled: true,
	}); err != nil {
		return err
	}

	now := h.Payouts.Now()
	grace := h.Payouts.GracePeriod
	charges := []billing.ChargeInput{
		{BillingID: 9001, Amount: decimal.RequireFromString("45.00"), Currency: "usd", CompletedAt: now.Add(-grace - 72*time.Hour)},
		{BillingID: 9002, Amount: decimal.RequireFromString("60.00"), Currency: "usd", CompletedAt: now.Add(-48 * time.Hour)},
		{BillingID: 9003, Amount: decimal.RequireFromString("30.00"), Currency: "eur", CompletedAt: now.Add(-grace - 24*time.Hour),
			ExchangeRate: decimal.NewNullDecimal(decimal.RequireFromString("1.0825"))},
		{BillingID: 9004, Amount: decimal.RequireFromString("80.00"), Currency: "usd", CompletedAt: now.Add(-grace - 96*time.Hour)},
	}
	var disputed billing.TransactionID
	for _, in := range charges {
		in.ProviderID = p.provider
		t, err := h.Payouts.RecordCharge(ctx, DemoAdmin, in)
		if err != nil {
			return err
		}
		disputed = t.ID
	}
	return h.Payouts.Lock(ctx, DemoAdmin, disputed, "customer opened a dispute")
}

func (h *Handler) loadDisabledAccountScenario(ctx context.Context) error {
	p := demoProvider{
		user: 104, email: "trainer@petcare.example", provider: 204,
		services: []availability.Service{{ID: 305, Name: "Puppy training"}},
	}
	if err := h.seedProvider(ctx, p); err != nil {
		return err
	}
	if err := h.Payouts.Store.SavePayoutAccount(ctx, billing.PayoutAccount{
		ProviderID: p.provider, AccountID: "acct_demo_204", ChargesEnabled: true,
	}); err != nil {
		return err
	}

	_, err := h.Payouts.RecordCharge(ctx, DemoAdmin, billing.ChargeInput{
		BillingID:   9101,
		ProviderID:  p.provider,
		Amount:      decimal.RequireFromString("25.00"),
		Currency:    "usd",
		CompletedAt: h.Payouts.Now().Add(-h.Payouts.GracePeriod - time.Hour),
	})
	return err
}
