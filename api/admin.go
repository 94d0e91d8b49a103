/*
admin.go - Admin CRUD over closures and capacity overrides

PURPOSE:
  The operational surface: office closures (global or adviser-scoped)
  and per-adviser capacity overrides. Validation failures come back as
  400 with a fields map naming every offending field, so an admin UI
  can mark them all in one round trip.

ENDPOINTS:
  GET    /closures                   List closures (global + scoped)
  POST   /closures                   Create closure
  PUT    /closures/{id}              Update closure
  DELETE /closures/{id}              Delete closure
  GET    /capacity_overrides         List capacity overrides
  POST   /capacity_overrides         Create override
  PUT    /capacity_overrides/{id}    Update override
  DELETE /capacity_overrides/{id}    Delete override

SEE ALSO:
  - dto.go: ClosureRequest/OverrideRequest and their DTOs
  - store/gateway.go: write-through cache flush
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

const maxTagLength = 32

// =============================================================================
// CLOSURES
// =============================================================================

// ListClosures handles GET /closures.
func (h *Handler) ListClosures(w http.ResponseWriter, r *http.Request) {
	closures, err := h.Store.ListClosures(r.Context())
	if err != nil {
		writeFault(w, h.Log, engine.StoreFault("api.list_closures", err))
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(closures, func(c engine.OfficeClosure, _ int) ClosureDTO {
		return toClosureDTO(c)
	}))
}

// CreateClosure handles POST /closures.
func (h *Handler) CreateClosure(w http.ResponseWriter, r *http.Request) {
	var req ClosureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: string(engine.FaultInvalidInput), Detail: "request body is not valid JSON",
		})
		return
	}
	closure, fields := closureFromRequest(req)
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}

	created, err := h.Store.CreateClosure(r.Context(), closure)
	if err != nil {
		writeFault(w, h.Log, engine.StoreFault("api.create_closure", err))
		return
	}
	writeJSON(w, http.StatusCreated, toClosureDTO(created))
}

// UpdateClosure handles PUT /closures/{id}.
func (h *Handler) UpdateClosure(w http.ResponseWriter, r *http.Request) {
	var req ClosureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: string(engine.FaultInvalidInput), Detail: "request body is not valid JSON",
		})
		return
	}
	closure, fields := closureFromRequest(req)
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}
	closure.ID = chi.URLParam(r, "id")

	updated, err := h.Store.UpdateClosure(r.Context(), closure)
	if err != nil {
		if engine.IsStoreNotFound(err) {
			writeNotFound(w, "closure not found")
			return
		}
		writeFault(w, h.Log, engine.StoreFault("api.update_closure", err))
		return
	}
	writeJSON(w, http.StatusOK, toClosureDTO(updated))
}

// DeleteClosure handles DELETE /closures/{id}.
func (h *Handler) DeleteClosure(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteClosure(r.Context(), chi.URLParam(r, "id")); err != nil {
		if engine.IsStoreNotFound(err) {
			writeNotFound(w, "closure not found")
			return
		}
		writeFault(w, h.Log, engine.StoreFault("api.delete_closure", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// closureFromRequest validates and converts the wire shape. The fields map
// names every invalid field so the caller sees all problems at once.
func closureFromRequest(req ClosureRequest) (engine.OfficeClosure, map[string]string) {
	fields := map[string]string{}

	start, err := parseRequiredDate(req.StartDate)
	if err != nil {
		fields["start_date"] = err.Error()
	}
	end, err := parseRequiredDate(req.EndDate)
	if err != nil {
		fields["end_date"] = err.Error()
	}
	if len(fields) == 0 && end.Before(start) {
		fields["end_date"] = "must not be before start_date"
	}
	if strings.TrimSpace(req.Description) == "" {
		fields["description"] = "required"
	}

	tags := make([]string, 0, len(req.Tags))
	seen := map[string]bool{}
	for _, raw := range req.Tags {
		tag := strings.TrimSpace(raw)
		switch {
		case tag == "":
			continue
		case len(tag) > maxTagLength:
			fields["tags"] = fmt.Sprintf("each tag must be at most %d characters", maxTagLength)
		case seen[strings.ToLower(tag)]:
			fields["tags"] = "tags must be unique"
		default:
			seen[strings.ToLower(tag)] = true
			tags = append(tags, tag)
		}
	}

	if len(fields) > 0 {
		return engine.OfficeClosure{}, fields
	}
	return engine.OfficeClosure{
		StartDate:    start,
		EndDate:      end,
		Description:  strings.TrimSpace(req.Description),
		Tags:         tags,
		AdviserEmail: strings.TrimSpace(req.AdviserEmail),
	}, nil
}

// =============================================================================
// CAPACITY OVERRIDES
// =============================================================================

// ListOverrides handles GET /capacity_overrides.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.Store.ListCapacityOverrides(r.Context())
	if err != nil {
		writeFault(w, h.Log, engine.StoreFault("api.list_overrides", err))
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(overrides, func(ov engine.CapacityOverride, _ int) OverrideDTO {
		return toOverrideDTO(ov)
	}))
}

// CreateOverride handles POST /capacity_overrides.
func (h *Handler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: string(engine.FaultInvalidInput), Detail: "request body is not valid JSON",
		})
		return
	}
	override, fields := overrideFromRequest(req)
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}
	if !h.requireKnownAdviser(w, r.Context(), override.AdviserEmail) {
		return
	}

	created, err := h.Store.CreateCapacityOverride(r.Context(), override)
	if err != nil {
		writeFault(w, h.Log, engine.StoreFault("api.create_override", err))
		return
	}
	writeJSON(w, http.StatusCreated, toOverrideDTO(created))
}

// UpdateOverride handles PUT /capacity_overrides/{id}.
func (h *Handler) UpdateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: string(engine.FaultInvalidInput), Detail: "request body is not valid JSON",
		})
		return
	}
	override, fields := overrideFromRequest(req)
	if len(fields) > 0 {
		writeValidation(w, fields)
		return
	}
	if !h.requireKnownAdviser(w, r.Context(), override.AdviserEmail) {
		return
	}
	override.ID = chi.URLParam(r, "id")

	updated, err := h.Store.UpdateCapacityOverride(r.Context(), override)
	if err != nil {
		if engine.IsStoreNotFound(err) {
			writeNotFound(w, "capacity override not found")
			return
		}
		writeFault(w, h.Log, engine.StoreFault("api.update_override", err))
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(updated))
}

// DeleteOverride handles DELETE /capacity_overrides/{id}.
func (h *Handler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteCapacityOverride(r.Context(), chi.URLParam(r, "id")); err != nil {
		if engine.IsStoreNotFound(err) {
			writeNotFound(w, "capacity override not found")
			return
		}
		writeFault(w, h.Log, engine.StoreFault("api.delete_override", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func overrideFromRequest(req OverrideRequest) (engine.CapacityOverride, map[string]string) {
	fields := map[string]string{}

	email := strings.TrimSpace(req.AdviserEmail)
	if email == "" {
		fields["adviser_email"] = "required"
	}
	effective, err := parseRequiredDate(req.EffectiveDate)
	if err != nil {
		fields["effective_date"] = err.Error()
	}
	if req.ClientLimitMonthly < 0 {
		fields["client_limit_monthly"] = "must not be negative"
	}
	pod := engine.PodType(strings.TrimSpace(strings.ToLower(req.PodType)))
	switch pod {
	case "", engine.PodSolo, engine.PodTeam, engine.PodHybrid:
	default:
		fields["pod_type"] = "must be one of solo, team, hybrid"
	}
	if len(fields) > 0 {
		return engine.CapacityOverride{}, fields
	}

	return engine.CapacityOverride{
		AdviserEmail:       email,
		EffectiveDate:      effective,
		ClientLimitMonthly: req.ClientLimitMonthly,
		PodType:            pod,
		Notes:              strings.TrimSpace(req.Notes),
	}, nil
}

// requireKnownAdviser rejects overrides naming an adviser the CRM has never
// heard of; a typo here would otherwise sit silently in the database doing
// nothing. Writes the response itself when the check fails.
func (h *Handler) requireKnownAdviser(w http.ResponseWriter, ctx context.Context, email string) bool {
	advisers, err := h.Store.ListAdvisers(ctx, engine.AdviserFilter{IncludeNotTaking: true})
	if err != nil {
		writeFault(w, h.Log, engine.StoreFault("api.resolve_adviser", err))
		return false
	}
	for _, a := range advisers {
		if strings.EqualFold(a.Email, email) {
			return true
		}
	}
	writeValidation(w, map[string]string{"adviser_email": "unknown adviser"})
	return false
}

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

func parseRequiredDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, errRequired
	}
	day, err := calendar.ParseDate(raw)
	if err != nil {
		return time.Time{}, errBadDate
	}
	return day, nil
}

var (
	errRequired = validationError("required")
	errBadDate  = validationError("must be YYYY-MM-DD")
)

type validationError string

func (e validationError) Error() string { return string(e) }

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:  string(engine.FaultInvalidInput),
		Detail: "one or more fields are invalid",
		Fields: fields,
	})
}

func writeNotFound(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{
		Error:  "not_found",
		Detail: detail,
	})
}
