/*
dto.go - JSON shapes for the HTTP surface

PURPOSE:
  Request and response types for the allocation webhook, the
  availability views, and the admin CRUD, plus the single place where
  engine fault kinds map to HTTP status codes.

NAMING CONVENTION:
  - *Request: bodies clients send
  - *DTO: shapes returned to clients

ERROR SHAPE:
  {"error": "<kind>", "detail": "...", "fields": {...}, "advisers": {...}}
  fields carries admin validation reasons keyed by field name; advisers
  carries per-adviser diagnostics on no-availability failures. Raw
  backend errors never leak into either.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

// =============================================================================
// ALLOCATION WEBHOOK
// =============================================================================

// AllocateRequest is the webhook body for POST /post/allocate.
type AllocateRequest struct {
	Fields    AllocateFields     `json:"fields"`
	Requester *AllocateRequester `json:"requester,omitempty"`
}

type AllocateFields struct {
	ServicePackage     string `json:"service_package"`
	DealID             string `json:"hs_deal_record_id"`
	HouseholdType      string `json:"household_type,omitempty"`
	AgreementStartDate string `json:"agreement_start_date,omitempty"`
	ClientEmail        string `json:"client_email,omitempty"`
}

type AllocateRequester struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AllocationDTO is the success payload of the webhook.
type AllocationDTO struct {
	DealID                string `json:"deal_id"`
	AdviserEmail          string `json:"adviser_email"`
	EarliestAvailableWeek string `json:"earliest_available_week"`
}

type AllocateResponse struct {
	Status     string        `json:"status"`
	Allocation AllocationDTO `json:"allocation"`
}

// =============================================================================
// AVAILABILITY VIEWS
// =============================================================================

// EarliestRowDTO is one adviser's line in GET /availability/earliest.
// Advisers with no bookable week report null week fields and a reason.
type EarliestRowDTO struct {
	Email              string   `json:"email"`
	ServicePackages    []string `json:"service_packages"`
	HouseholdTypes     []string `json:"household_types"`
	PodType            string   `json:"pod_type"`
	ClientLimitMonthly int      `json:"client_limit_monthly"`
	EarliestWeekLabel  *string  `json:"earliest_week_label"`
	EarliestWeekMonday *string  `json:"earliest_week_monday"`
	Reason             string   `json:"reason,omitempty"`
}

func toEarliestRowDTO(c engine.Candidate) EarliestRowDTO {
	row := EarliestRowDTO{
		Email:              c.Adviser.Email,
		ServicePackages:    c.Adviser.ServicePackages,
		HouseholdTypes:     c.Adviser.HouseholdTypes,
		PodType:            string(c.Adviser.PodType),
		ClientLimitMonthly: c.Adviser.ClientLimitMonthly,
	}
	if c.Unavailable {
		row.Reason = c.Reason
		return row
	}
	label := c.WeekLabel
	monday := calendar.FormatDate(c.Week)
	row.EarliestWeekLabel = &label
	row.EarliestWeekMonday = &monday
	return row
}

// CapacityRowDTO is one week of GET /availability/schedule.
type CapacityRowDTO struct {
	Anchor       string `json:"week_monday"`
	Label        string `json:"week_label"`
	ClarifyCount int    `json:"clarify_count"`
	KickoffCount int    `json:"kickoff_count"`
	NewDealCount int    `json:"deal_no_clarify_count"`
	OOO          string `json:"ooo_state"`
	Target       int    `json:"target"`
	CarryIn      int    `json:"carry_in"`
	Actual       int    `json:"actual"`
	Difference   int    `json:"difference"`
	Earliest     bool   `json:"earliest,omitempty"`
}

// BlockDTO is one fortnight of the backlog trace.
type BlockDTO struct {
	FirstWeek    string `json:"first_week"`
	Added        int    `json:"added"`
	Spare        int    `json:"spare"`
	Drained      int    `json:"drained"`
	BacklogAfter int    `json:"backlog_after"`
}

// ScheduleResponse is the full outlook for one adviser.
type ScheduleResponse struct {
	Email          string           `json:"email"`
	Baseline       string           `json:"baseline"`
	InitialBacklog int              `json:"initial_backlog"`
	EarliestWeek   *string          `json:"earliest_week"`
	Rows           []CapacityRowDTO `json:"rows"`
	Blocks         []BlockDTO       `json:"blocks"`
}

func toScheduleResponse(s *engine.Schedule, earliest *string) ScheduleResponse {
	return ScheduleResponse{
		Email:          s.AdviserEmail,
		Baseline:       calendar.FormatDate(s.Baseline),
		InitialBacklog: s.InitialBacklog,
		EarliestWeek:   earliest,
		Rows: lo.Map(s.Rows, func(r engine.CapacityRow, _ int) CapacityRowDTO {
			dto := CapacityRowDTO{
				Anchor:       calendar.FormatDate(r.Anchor),
				Label:        r.Label,
				ClarifyCount: r.ClarifyCount,
				KickoffCount: r.KickoffCount,
				NewDealCount: r.NewDealCount,
				OOO:          r.OOO.String(),
				Target:       r.Target,
				CarryIn:      r.CarryIn,
				Actual:       r.Actual,
				Difference:   r.Difference,
			}
			if earliest != nil && dto.Anchor == *earliest {
				dto.Earliest = true
			}
			return dto
		}),
		Blocks: lo.Map(s.Blocks, func(b engine.BlockDrain, _ int) BlockDTO {
			return BlockDTO{
				FirstWeek:    calendar.FormatDate(b.First),
				Added:        b.Added,
				Spare:        b.Spare,
				Drained:      b.Drained,
				BacklogAfter: b.BacklogAfter,
			}
		}),
	}
}

// =============================================================================
// ALLOCATION RECORDS
// =============================================================================

type RecordDTO struct {
	ID             string            `json:"id"`
	DealID         string            `json:"deal_id"`
	AdviserID      string            `json:"adviser_id"`
	AdviserEmail   string            `json:"adviser_email"`
	ServicePackage string            `json:"service_package,omitempty"`
	HouseholdType  string            `json:"household_type,omitempty"`
	EarliestWeek   string            `json:"earliest_week,omitempty"`
	WeekLabel      string            `json:"week_label,omitempty"`
	DecidedAt      string            `json:"decided_at"`
	Status         string            `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func toRecordDTO(rec engine.AllocationRecord) RecordDTO {
	dto := RecordDTO{
		ID:             rec.ID,
		DealID:         string(rec.DealID),
		AdviserID:      string(rec.AdviserID),
		AdviserEmail:   rec.AdviserEmail,
		ServicePackage: rec.ServicePackage,
		HouseholdType:  rec.HouseholdType,
		WeekLabel:      rec.WeekLabel,
		DecidedAt:      rec.DecidedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Status:         string(rec.Status),
		ErrorMessage:   rec.ErrorMessage,
		Extra:          rec.Extra,
	}
	if !rec.EarliestWeek.IsZero() {
		dto.EarliestWeek = calendar.FormatDate(rec.EarliestWeek)
	}
	return dto
}

// =============================================================================
// ADMIN CRUD
// =============================================================================

// ClosureRequest is the body for closure creates and updates.
type ClosureRequest struct {
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags,omitempty"`
	AdviserEmail string   `json:"adviser_email,omitempty"`
}

type ClosureDTO struct {
	ID           string   `json:"id"`
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags,omitempty"`
	AdviserEmail string   `json:"adviser_email,omitempty"`
	Scope        string   `json:"scope"`
}

func toClosureDTO(c engine.OfficeClosure) ClosureDTO {
	scope := "adviser"
	if c.Global() {
		scope = "global"
	}
	return ClosureDTO{
		ID:           c.ID,
		StartDate:    calendar.FormatDate(c.StartDate),
		EndDate:      calendar.FormatDate(c.EndDate),
		Description:  c.Description,
		Tags:         c.Tags,
		AdviserEmail: c.AdviserEmail,
		Scope:        scope,
	}
}

// OverrideRequest is the body for capacity override creates and updates.
type OverrideRequest struct {
	AdviserEmail       string `json:"adviser_email"`
	EffectiveDate      string `json:"effective_date"`
	ClientLimitMonthly int    `json:"client_limit_monthly"`
	PodType            string `json:"pod_type,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

type OverrideDTO struct {
	ID                 string `json:"id"`
	AdviserEmail       string `json:"adviser_email"`
	EffectiveDate      string `json:"effective_date"`
	ClientLimitMonthly int    `json:"client_limit_monthly"`
	PodType            string `json:"pod_type,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

func toOverrideDTO(ov engine.CapacityOverride) OverrideDTO {
	return OverrideDTO{
		ID:                 ov.ID,
		AdviserEmail:       ov.AdviserEmail,
		EffectiveDate:      calendar.FormatDate(ov.EffectiveDate),
		ClientLimitMonthly: ov.ClientLimitMonthly,
		PodType:            string(ov.PodType),
		Notes:              ov.Notes,
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// ErrorResponse is the uniform failure body.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Detail   string            `json:"detail,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Advisers map[string]string `json:"advisers,omitempty"`
}

func statusFor(kind engine.FaultKind) int {
	switch kind {
	case engine.FaultInvalidInput:
		return http.StatusBadRequest
	case engine.FaultDealNotFound:
		return http.StatusNotFound
	case engine.FaultNoEligibleAdvisers, engine.FaultNoAvailability:
		return http.StatusUnprocessableEntity
	case engine.FaultStoreUnavailable, engine.FaultCrmUnavailable:
		return http.StatusServiceUnavailable
	case engine.FaultCrmUpdateFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeFault maps a classified engine error onto the wire. Server-side
// faults log the cause but surface only the classified detail.
func writeFault(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := engine.KindOf(err)
	resp := ErrorResponse{Error: string(kind)}

	var fault *engine.Fault
	if errors.As(err, &fault) {
		resp.Detail = fault.Detail
		if kind == engine.FaultNoAvailability {
			resp.Advisers = fault.Details
		}
	}
	if resp.Detail == "" {
		resp.Detail = "the request could not be completed"
	}
	if !engine.IsClientError(err) {
		log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, statusFor(kind), resp)
}
