/*
handlers.go - HTTP handlers for allocation and availability

PURPOSE:
  The allocation webhook (POST and GET variants of /post/allocate),
  the two availability read views, the allocation record lookup and
  the health probe. Admin CRUD over closures and overrides lives in
  admin.go.

ENDPOINTS:
  POST /post/allocate              Allocate a deal (webhook body)
  GET  /post/allocate              Same semantics via query params
  GET  /availability/earliest      Per-adviser earliest bookable week
  GET  /availability/schedule      One adviser's full weekly outlook
  GET  /allocations/{dealID}       Stored allocation record
  GET  /health                     Liveness + store ping

SEE ALSO:
  - dto.go: wire shapes and the fault -> status mapping
  - admin.go: closure and override CRUD
  - server.go: routing and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
	"github.com/meridian/allocation-engine/store"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is the optional backend health probe. The sqlite-backed gateway
// implements it; the in-memory store used in tests does not need to.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  store.AdminStore
	Alloc  *engine.Allocator
	Pinger Pinger
	Log    *zap.Logger
}

// NewHandler creates a handler over the given store and allocator.
func NewHandler(s store.AdminStore, alloc *engine.Allocator, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{Store: s, Alloc: alloc, Log: log.Named("api")}
	if p, ok := s.(Pinger); ok {
		h.Pinger = p
	}
	return h
}

// =============================================================================
// ALLOCATION WEBHOOK
// =============================================================================

// Allocate handles POST /post/allocate.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var body AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  string(engine.FaultInvalidInput),
			Detail: "request body is not valid JSON",
		})
		return
	}
	h.allocate(w, r, body)
}

// AllocateQuery handles GET /post/allocate: the same flow driven by query
// parameters, used for manual runs from a browser.
func (h *Handler) AllocateQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.allocate(w, r, AllocateRequest{Fields: AllocateFields{
		ServicePackage:     q.Get("service_package"),
		DealID:             q.Get("hs_deal_record_id"),
		HouseholdType:      q.Get("household_type"),
		AgreementStartDate: q.Get("agreement_start_date"),
		ClientEmail:        q.Get("client_email"),
	}})
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request, body AllocateRequest) {
	req := engine.AllocationRequest{
		DealID:         engine.DealID(strings.TrimSpace(body.Fields.DealID)),
		ServicePackage: body.Fields.ServicePackage,
		HouseholdType:  body.Fields.HouseholdType,
		ClientEmail:    body.Fields.ClientEmail,
	}

	if raw := strings.TrimSpace(body.Fields.AgreementStartDate); raw != "" {
		day, err := calendar.ParseDate(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  string(engine.FaultInvalidInput),
				Detail: "fields.agreement_start_date must be YYYY-MM-DD",
				Fields: map[string]string{"agreement_start_date": "must be YYYY-MM-DD"},
			})
			return
		}
		req.AgreementStartDate = &day
	}

	// The webhook may identify the requester; otherwise the connection does.
	if body.Requester != nil {
		req.RequesterIP = body.Requester.IP
		req.UserAgent = body.Requester.UserAgent
	}
	if req.RequesterIP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.RequesterIP = host
		} else {
			req.RequesterIP = r.RemoteAddr
		}
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	result, err := h.Alloc.Allocate(r.Context(), req)
	if err != nil {
		writeFault(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, AllocateResponse{
		Status: "success",
		Allocation: AllocationDTO{
			DealID:                string(result.Record.DealID),
			AdviserEmail:          result.Record.AdviserEmail,
			EarliestAvailableWeek: calendar.FormatDate(result.Record.EarliestWeek),
		},
	})
}

// =============================================================================
// AVAILABILITY VIEWS
// =============================================================================

// Earliest handles GET /availability/earliest.
func (h *Handler) Earliest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	candidates, err := h.Alloc.Probe(r.Context(), engine.AdviserFilter{
		ServicePackage: q.Get("service_package"),
		HouseholdType:  q.Get("household_type"),
	})
	if err != nil {
		// An empty field is an empty table, not a failure.
		if engine.KindOf(err) == engine.FaultNoEligibleAdvisers {
			writeJSON(w, http.StatusOK, []EarliestRowDTO{})
			return
		}
		writeFault(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(candidates, func(c engine.Candidate, _ int) EarliestRowDTO {
		return toEarliestRowDTO(c)
	}))
}

// Schedule handles GET /availability/schedule?email=...&weeks=...
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  string(engine.FaultInvalidInput),
			Detail: "email query parameter is required",
			Fields: map[string]string{"email": "required"},
		})
		return
	}

	sched, adviser, err := h.Alloc.ScheduleFor(r.Context(), email)
	if err != nil {
		writeFault(w, h.Log, err)
		return
	}

	prestart, err := h.Store.GetPrestartWeeks(r.Context())
	if err != nil {
		prestart = engine.DefaultPrestartWeeks
	}
	now := calendar.FromCivil(h.Alloc.Now())
	var earliest *string
	if week, ok := engine.FindEarliestWeek(sched, engine.FirstCandidateWeek(now, adviser, prestart)); ok {
		formatted := calendar.FormatDate(week)
		earliest = &formatted
	}

	resp := toScheduleResponse(sched, earliest)
	if weeks, err := strconv.Atoi(r.URL.Query().Get("weeks")); err == nil && weeks > 0 && weeks < len(resp.Rows) {
		resp.Rows = resp.Rows[:weeks]
		if blocks := (weeks + 1) / 2; blocks < len(resp.Blocks) {
			resp.Blocks = resp.Blocks[:blocks]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RECORDS AND HEALTH
// =============================================================================

// GetAllocation handles GET /allocations/{dealID}.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	dealID := engine.DealID(chi.URLParam(r, "dealID"))
	rec, err := h.Store.GetAllocationRecord(r.Context(), dealID)
	if err != nil {
		if engine.IsStoreNotFound(err) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{
				Error:  string(engine.FaultDealNotFound),
				Detail: "no allocation recorded for this deal",
			})
			return
		}
		writeFault(w, h.Log, engine.StoreFault("api.get_allocation", err))
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.Pinger.Ping(ctx); err != nil {
			h.Log.Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
