/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  domain types in availability and billing.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; Handler.decode validates
  after decoding. Semantic checks (past dates, ownership, state) stay in
  the domain packages.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/petcare-engine/availability"
	"github.com/warp/petcare-engine/billing"
)

// =============================================================================
// AVAILABILITY
// =============================================================================

// AvailabilityDTO is the bookable calendar of one service.
type AvailabilityDTO struct {
	ServiceID int64    `json:"serviceId"`
	Timezone  string   `json:"timezone"`
	Dates     []string `json:"dates"`
}

// DateRangeRequest is the body of the bulk override endpoints. An empty
// providerServiceIds applies the edit to all of the caller's services.
type DateRangeRequest struct {
	From               string  `json:"from" validate:"required,datetime=2006-01-02"`
	To                 string  `json:"to" validate:"omitempty,datetime=2006-01-02"`
	ProviderServiceIDs []int64 `json:"providerServiceIds" validate:"omitempty,dive,gt=0"`
}

// UnavailableDatesRequest adds optional metadata to a date range.
type UnavailableDatesRequest struct {
	DateRangeRequest
	Holiday string `json:"holiday" validate:"max=128,excluded_with=Reason"`
	Reason  string `json:"reason" validate:"max=512"`
}

// Metadata returns the override metadata variant the request describes.
func (r UnavailableDatesRequest) Metadata() availability.Metadata {
	switch {
	case r.Holiday != "":
		return availability.HolidayMetadata{Name: r.Holiday}
	case r.Reason != "":
		return availability.ReasonMetadata{Reason: r.Reason}
	default:
		return availability.NoMetadata{}
	}
}

// MutationDTO summarizes an applied override edit.
type MutationDTO struct {
	ServiceIDs []int64 `json:"serviceIds"`
	Cleared    int64   `json:"cleared"`
	Inserted   int     `json:"inserted"`
}

// PatternRequest sets a service's weekly pattern. Weekdays are lowercase
// English names.
type PatternRequest struct {
	Weekdays []string `json:"weekdays" validate:"dive,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	FullDay  bool     `json:"fullDay"`
}

// PatternDTO is a stored weekly pattern.
type PatternDTO struct {
	ServiceID int64     `json:"serviceId"`
	Weekdays  []string  `json:"weekdays"`
	FullDay   bool      `json:"fullDay"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// =============================================================================
// BILLING
// =============================================================================

// TransactionDTO is a billing transaction in API responses.
type TransactionDTO struct {
	ID            int64      `json:"id"`
	BillingID     int64      `json:"billingId"`
	ProviderID    int64      `json:"providerId"`
	AppointmentID int64      `json:"appointmentId,omitempty"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	ExchangeRate  *string    `json:"exchangeRate,omitempty"`
	ReleaseDate   time.Time  `json:"releaseDate"`
	State         string     `json:"state"`
	NextState     *string    `json:"nextState"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	LockOwner     string     `json:"lockOwner,omitempty"`
	LockedReason  string     `json:"lockedReason,omitempty"`
	ReleaseStatus bool       `json:"releaseStatus"`
	TransferID    string     `json:"transferId,omitempty"`
}

func toTransactionDTO(t billing.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            int64(t.ID),
		BillingID:     t.BillingID,
		ProviderID:    int64(t.ProviderID),
		AppointmentID: t.AppointmentID,
		Amount:        t.Amount.StringFixed(2),
		Currency:      t.Currency,
		ReleaseDate:   t.ReleaseDate,
		State:         string(t.State),
		LockedAt:      t.LockedAt,
		LockOwner:     t.LockOwner,
		LockedReason:  t.LockedReason,
		ReleaseStatus: t.ReleaseStatus,
		TransferID:    t.TransferID,
	}
	if t.ExchangeRate.Valid {
		rate := t.ExchangeRate.Decimal.String()
		dto.ExchangeRate = &rate
	}
	if t.NextState != billing.NextNone {
		next := string(t.NextState)
		dto.NextState = &next
	}
	return dto
}

// RecordChargeRequest records a provider's share of a successful charge.
type RecordChargeRequest struct {
	BillingID     int64     `json:"billingId" validate:"required,gt=0"`
	ProviderID    int64     `json:"providerId" validate:"required,gt=0"`
	AppointmentID int64     `json:"appointmentId" validate:"gte=0"`
	Amount        string    `json:"amount" validate:"required,numeric"`
	Currency      string    `json:"currency" validate:"required,alpha,len=3"`
	ExchangeRate  string    `json:"exchangeRate" validate:"omitempty,numeric"`
	CompletedAt   time.Time `json:"completedAt" validate:"required"`
}

// LockRequest freezes a transaction.
type LockRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// SweepDTO reports a batch payout run.
type SweepDTO struct {
	Owner       string            `json:"owner"`
	Locked      []int64           `json:"locked"`
	Paid        []int64           `json:"paid"`
	Failed      map[string]string `json:"failed"`
	StaleLeases []int64           `json:"staleLeases"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
