/*
handlers.go - HTTP API handlers for the calendar and payout engines

PURPOSE:
  Exposes availability queries, override edits and the payout dispatcher
  via REST. Handles HTTP request/response, JSON serialization and
  validation, and delegates to the domain packages.

ENDPOINTS:
  Availability (bearer token):
    GET    /api/availability?serviceId&startDate&endDate  One service's calendar
    GET    /api/availability/provider?startDate&endDate   Every service of the caller
    PUT    /api/services/{id}/pattern                      Set weekly pattern
    POST   /api/available-dates                            Add available dates
    POST   /api/unavailable-dates                          Add unavailable dates
    DELETE /api/unavailability                             Clear unavailable dates

  Payouts:
    POST   /api/payment-dispatcher/pay/{billingTransactionId}  Pay one (admin)
    POST   /api/payment-dispatcher/{id}/lock                   Freeze (admin)
    POST   /api/payment-dispatcher/{id}/unlock                 Unfreeze (admin)
    GET    /api/payment-dispatcher/candidates                  Batch sweep (cron secret)
    POST   /api/billing/transactions                           Record a charge (admin)

  Demo scenarios (development only, see scenarios.go):
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load

ERROR HANDLING:
  Domain errors map to HTTP status in statusFor:
  - 400: invalid input, invalid for current state, failed transfer
  - 401: token missing or resource not owned by the caller
  - 403: administrator rights required
  - 404: resource not found
  - 409: concurrent modification, mismatched transfer
  - 503: candidate lock contention (retry on the next run)
  - 500: anything else, reported without details

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Calendar *availability.Calendar
	Editor   *availability.Editor
	Payouts  *billing.Service
	Logger   *zap.Logger

	// Seeder enables the demo scenario routes when set.
	Seeder Seeder

	validate        *validator.Validate
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the domain services.
func NewHandler(calendar *availability.Calendar, editor *availability.Editor, payouts *billing.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Calendar: calendar,
		Editor:   editor,
		Payouts:  payouts,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// AVAILABILITY HANDLERS
// =============================================================================

// GetAvailability returns the bookable dates of one service.
// GET /api/availability?serviceId=5&startDate=2024-01-01&endDate=2024-01-31
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("serviceId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "serviceId must be a positive integer", nil)
		return
	}
	start, end, err := parseBounds(q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	view, err := h.Calendar.ServiceAvailability(r.Context(), generic.ServiceID(id), start, end)
	if err != nil {
		h.fail(w, r, "Failed to compute availability", err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(*view))
}

// GetProviderAvailability returns the calendar of every service of the caller.
// GET /api/availability/provider?startDate=...&endDate=...
func (h *Handler) GetProviderAvailability(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	start, end, err := parseBounds(r.URL.Query().Get("startDate"), r.URL.Query().Get("endDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	views, err := h.Calendar.ProviderAvailability(r.Context(), user, start, end)
	if err != nil {
		h.fail(w, r, "Failed to compute availability", err)
		return
	}
	dtos := make([]AvailabilityDTO, len(views))
	for i, v := range views {
		dtos[i] = toAvailabilityDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetPattern replaces the weekly pattern of a service owned by the caller.
// PUT /api/services/{id}/pattern
func (h *Handler) SetPattern(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req PatternRequest
	if !h.decode(w, r, &req) {
		return
	}

	var days availability.Weekdays
	for _, name := range req.Weekdays {
		days[weekdayByName[name]] = true
	}

	pattern, err := h.Editor.SetPattern(r.Context(), user, generic.ServiceID(id), days, req.FullDay)
	if err != nil {
		h.fail(w, r, "Failed to save pattern", err)
		return
	}
	writeJSON(w, http.StatusOK, toPatternDTO(*pattern))
}

// AddAvailableDates marks a date range available.
// POST /api/available-dates {from, to, providerServiceIds}
func (h *Handler) AddAvailableDates(w http.ResponseWriter, r *http.Request) {
	var req DateRangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, h.Editor.AddAvailableDates, rangeRequest(r, req, nil))
}

// AddUnavailableDates marks a date range unavailable.
// POST /api/unavailable-dates {from, to, providerServiceIds, holiday | reason}
func (h *Handler) AddUnavailableDates(w http.ResponseWriter, r *http.Request) {
	var req UnavailableDatesRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, h.Editor.AddUnavailableDates, rangeRequest(r, req.DateRangeRequest, req.Metadata()))
}

// DeleteUnavailability clears unavailable overrides in a date range.
// DELETE /api/unavailability {from, to, providerServiceIds}
func (h *Handler) DeleteUnavailability(w http.ResponseWriter, r *http.Request) {
	var req DateRangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, h.Editor.DeleteUnavailability, rangeRequest(r, req, nil))
}

type mutationFunc func(ctx context.Context, req availability.RangeRequest) (*availability.MutationResult, error)

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn mutationFunc, req availability.RangeRequest) {
	result, err := fn(r.Context(), req)
	if err != nil {
		h.fail(w, r, "Failed to update dates", err)
		return
	}
	ids := make([]int64, len(result.ServiceIDs))
	for i, id := range result.ServiceIDs {
		ids[i] = int64(id)
	}
	writeJSON(w, http.StatusOK, MutationDTO{ServiceIDs: ids, Cleared: result.Cleared, Inserted: result.Inserted})
}

func rangeRequest(r *http.Request, req DateRangeRequest, meta availability.Metadata) availability.RangeRequest {
	user, _ := UserFrom(r.Context())
	return availability.RangeRequest{
		Actor:      user,
		From:       req.From,
		To:         req.To,
		ServiceIDs: generic.ServiceIDs(req.ProviderServiceIDs),
		Metadata:   meta,
	}
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// PayTransaction pays one billing transaction.
// POST /api/payment-dispatcher/pay/{billingTransactionId}
func (h *Handler) PayTransaction(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, ok := pathID(w, r, "billingTransactionId")
	if !ok {
		return
	}

	t, err := h.Payouts.PaySingle(r.Context(), user, billing.TransactionID(id))
	if err != nil {
		h.fail(w, r, "Failed to pay out transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*t))
}

// RunCandidates runs the batch payout sweep.
// GET /api/payment-dispatcher/candidates
func (h *Handler) RunCandidates(w http.ResponseWriter, r *http.Request) {
	report, err := h.Payouts.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, "Payout sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepDTO(report))
}

// LockTransaction freezes a transaction out of payout selection.
// POST /api/payment-dispatcher/{id}/lock {reason}
func (h *Handler) LockTransaction(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req LockRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Payouts.Lock(r.Context(), user, billing.TransactionID(id), req.Reason); err != nil {
		h.fail(w, r, "Failed to lock transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnlockTransaction clears a lock and resets an unfinished payout.
// POST /api/payment-dispatcher/{id}/unlock
func (h *Handler) UnlockTransaction(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Payouts.Unlock(r.Context(), user, billing.TransactionID(id)); err != nil {
		h.fail(w, r, "Failed to unlock transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordCharge creates a billing transaction for a completed appointment.
// POST /api/billing/transactions
func (h *Handler) RecordCharge(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	if err := h.Payouts.RequireAdmin(r.Context(), user); err != nil {
		h.fail(w, r, "Failed to record charge", err)
		return
	}

	var req RecordChargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := billing.ChargeInput{
		BillingID:     req.BillingID,
		ProviderID:    generic.ProviderID(req.ProviderID),
		AppointmentID: req.AppointmentID,
		Currency:      req.Currency,
		CompletedAt:   req.CompletedAt,
	}
	var err error
	if in.Amount, err = decimal.NewFromString(req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal number", nil)
		return
	}
	if req.ExchangeRate != "" {
		if in.ExchangeRate.Decimal, err = decimal.NewFromString(req.ExchangeRate); err != nil {
			writeError(w, http.StatusBadRequest, "exchangeRate must be a decimal number", nil)
			return
		}
		in.ExchangeRate.Valid = true
	}

	t, err := h.Payouts.RecordCharge(r.Context(), user, in)
	if err != nil {
		h.fail(w, r, "Failed to record charge", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*t))
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrLockContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, generic.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, generic.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors and failed
// transfers are logged and answered without details.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	var transferErr *generic.TransferError
	if errors.As(err, &transferErr) {
		h.Logger.Warn(message,
			zap.String("path", r.URL.Path),
			zap.Int64("transaction_id", transferErr.TransactionID),
			zap.String("group_key", transferErr.GroupKey),
			zap.Error(err))
		writeError(w, status, "Transfer failed, transaction left locked for review", nil)
		return
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer", name), nil)
		return 0, false
	}
	return id, true
}

// parseBounds accepts RFC 3339 instants or YYYY-MM-DD dates. A bare date
// stays a calendar date and is read in each service's own zone.
func parseBounds(startRaw, endRaw string) (generic.Bound, generic.Bound, error) {
	start, err := parseBound("startDate", startRaw)
	if err != nil {
		return generic.Bound{}, generic.Bound{}, err
	}
	end, err := parseBound("endDate", endRaw)
	if err != nil {
		return generic.Bound{}, generic.Bound{}, err
	}
	return start, end, nil
}

func parseBound(name, raw string) (generic.Bound, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return generic.Bound{}, fmt.Errorf("%s is required", name)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return generic.InstantBound(t), nil
	}
	if _, err := time.Parse(generic.DateLayout, raw); err != nil {
		return generic.Bound{}, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD", name)
	}
	return generic.DateBound(raw), nil
}

var weekdayByName = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func toAvailabilityDTO(v availability.View) AvailabilityDTO {
	dates := v.Dates
	if dates == nil {
		dates = []string{}
	}
	return AvailabilityDTO{ServiceID: int64(v.ServiceID), Timezone: v.Timezone, Dates: dates}
}

func toPatternDTO(p availability.Pattern) PatternDTO {
	dto := PatternDTO{ServiceID: int64(p.ServiceID), FullDay: p.FullDay, UpdatedAt: p.UpdatedAt, Weekdays: []string{}}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if p.Days.Has(wd) {
			dto.Weekdays = append(dto.Weekdays, strings.ToLower(wd.String()))
		}
	}
	return dto
}

func toSweepDTO(r *billing.SweepReport) SweepDTO {
	ids := func(in []billing.TransactionID) []int64 {
		out := make([]int64, len(in))
		for i, id := range in {
			out[i] = int64(id)
		}
		return out
	}
	failed := make(map[string]string, len(r.Failed))
	for id, msg := range r.Failed {
		failed[strconv.FormatInt(int64(id), 10)] = msg
	}
	return SweepDTO{
		Owner:       r.Owner,
		Locked:      ids(r.Locked),
		Paid:        ids(r.Paid),
		Failed:      failed,
		StaleLeases: ids(r.StaleLeases),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
