/*
scenarios_test.go - Tests for the demo scenarios

PURPOSE:

	Loads each scenario into an in-memory SQLite database through the HTTP
	API and checks the calendar and payout state it produces:
	- Directory rows and patterns are created
	- Overrides and charges went through the domain services
	- Payout sweeps see exactly the released, unlocked charges
*/
package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/petcare-engine/api"
	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/gateway"
	"github.com/warp/petcare-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newScenarioAPI(t *testing.T) *apiFixture {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := gateway.NewMemory()
	calendar := availability.NewCalendar(store.Availability(), nil)
	editor := availability.NewEditor(store.Availability(), store, nil)
	editor.Now = func() time.Time { return today }
	payouts := billing.NewService(store.Billing(), gw, store, nil)
	payouts.Now = func() time.Time { return today }

	h := api.NewHandler(calendar, editor, payouts, nil)
	h.Seeder = store
	auth := &api.Authenticator{Secret: []byte("jwt-secret-for-tests"), CronSecret: cronSecret}
	return &apiFixture{router: api.NewRouter(h, auth, []string{"*"}), auth: auth, gw: gw}
}

func (f *apiFixture) load(t *testing.T, scenario string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/scenarios/load", f.token(t, api.DemoAdmin), map[string]string{"scenarioId": scenario})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// CATALOG
// =============================================================================

func TestScenario_ListAndCurrent(t *testing.T) {
	f := newScenarioAPI(t)
	tok := f.token(t, api.DemoAdmin)

	rec := f.do(t, http.MethodGet, "/api/scenarios", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]api.ScenarioDTO](t, rec)
	assert.Len(t, list, 4)

	rec = f.do(t, http.MethodGet, "/api/scenarios/current", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "null", rec.Body.String())

	f.load(t, "weekday-walker")

	rec = f.do(t, http.MethodGet, "/api/scenarios/current", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "weekday-walker", decodeBody[api.ScenarioDTO](t, rec).ID)
}

func TestScenario_UnknownScenario(t *testing.T) {
	f := newScenarioAPI(t)

	rec := f.do(t, http.MethodPost, "/api/scenarios/load", f.token(t, api.DemoAdmin), map[string]string{"scenarioId": "new-employee"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/scenarios/load", f.token(t, api.DemoAdmin), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_RoutesAbsentWithoutSeeder(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/scenarios", f.token(t, adminUser), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// AVAILABILITY SCENARIOS
// =============================================================================

func TestScenario_WeekdayWalker(t *testing.T) {
	// GIVEN: The weekday-walker scenario loaded on Monday 2024-01-01
	// WHEN: Querying the first two weeks
	// THEN: Weekdays are available except the holiday one week out

	f := newScenarioAPI(t)
	f.load(t, "weekday-walker")

	rec := f.do(t, http.MethodGet, "/api/availability?serviceId=301&startDate=2024-01-01&endDate=2024-01-14", f.token(t, 101), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[api.AvailabilityDTO](t, rec)
	assert.Equal(t, "America/New_York", dto.Timezone)
	assert.Equal(t, []string{
		"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05",
		"2024-01-09", "2024-01-10", "2024-01-11", "2024-01-12",
	}, dto.Dates)
}

func TestScenario_WeekendSitter(t *testing.T) {
	f := newScenarioAPI(t)
	f.load(t, "weekend-sitter")

	rec := f.do(t, http.MethodGet, "/api/availability/provider?startDate=2024-01-01&endDate=2024-01-07", f.token(t, 102), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	views := decodeBody[[]api.AvailabilityDTO](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, int64(302), views[0].ServiceID)
	assert.Equal(t, "Asia/Tokyo", views[0].Timezone)
	assert.Equal(t, []string{"2024-01-04", "2024-01-05", "2024-01-06", "2024-01-07"}, views[0].Dates)
	assert.Equal(t, []string{"2024-01-06", "2024-01-07"}, views[1].Dates)
}

func TestScenario_ReloadingAvailabilityIsIdempotent(t *testing.T) {
	f := newScenarioAPI(t)
	f.load(t, "weekday-walker")
	f.load(t, "weekday-walker")

	rec := f.do(t, http.MethodGet, "/api/availability?serviceId=301&startDate=2024-01-08&endDate=2024-01-08", f.token(t, 101), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[api.AvailabilityDTO](t, rec).Dates)
}

// =============================================================================
// PAYOUT SCENARIOS
// =============================================================================

func TestScenario_PendingPayouts(t *testing.T) {
	// GIVEN: Four charges: two released, one in grace, one locked
	// WHEN: The cron sweep runs
	// THEN: Only the two released, unlocked charges are paid

	f := newScenarioAPI(t)
	f.load(t, "pending-payouts")

	rec := f.do(t, http.MethodGet, "/api/payment-dispatcher/candidates", "Bearer "+cronSecret, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[api.SweepDTO](t, rec)
	assert.ElementsMatch(t, []int64{1, 3}, report.Paid)
	assert.Empty(t, report.Failed)

	var amounts []int64
	for _, tr := range f.gw.Transfers() {
		amounts = append(amounts, tr.Amount)
	}
	assert.ElementsMatch(t, []int64{4500, 3248}, amounts)

	rec = f.do(t, http.MethodPost, "/api/scenarios/load", f.token(t, api.DemoAdmin), map[string]string{"scenarioId": "pending-payouts"})
	assert.Equal(t, http.StatusConflict, rec.Code, "charges are not upserts")
}

func TestScenario_DisabledAccount(t *testing.T) {
	f := newScenarioAPI(t)
	f.load(t, "disabled-account")

	rec := f.do(t, http.MethodGet, "/api/payment-dispatcher/candidates", "Bearer "+cronSecret, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[api.SweepDTO](t, rec)
	assert.Empty(t, report.Locked)
	assert.Empty(t, report.Paid)
	assert.Empty(t, f.gw.Transfers())
}
