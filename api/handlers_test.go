/*
handlers_test.go - HTTP tests for the allocation and availability surface

Tests run the real chi router over the in-memory store and CRM fixture,
with the allocator's clock pinned so earliest weeks are stable.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/crm"
	"github.com/meridian/allocation-engine/engine"
	"github.com/meridian/allocation-engine/store/memory"
)

// =============================================================================
// SETUP
// =============================================================================

type testAPI struct {
	router http.Handler
	mem    *memory.Store
	crm    *crm.Fixture
	alloc  *engine.Allocator
}

// newTestAPI wires handlers over the in-memory store and CRM fixture.
// Monday 2026-01-12 is "today", so the default booking buffer puts the
// first candidate week at 2026-01-26.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := memory.New()
	crmFx := crm.NewFixture()

	alloc := engine.NewAllocator(mem, crmFx, nil, nil, time.UTC)
	alloc.Now = func() time.Time { return calendar.Date(2026, time.January, 12) }

	h := NewHandler(mem, alloc, nil)
	return &testAPI{router: NewRouter(h, nil), mem: mem, crm: crmFx, alloc: alloc}
}

func (a *testAPI) seedAdviser(email, ownerID string) engine.Adviser {
	adv := engine.Adviser{
		ID:                 engine.AdviserID("A-" + email),
		OwnerID:            ownerID,
		Email:              email,
		Name:               email,
		ServicePackages:    []string{"series a"},
		ClientLimitMonthly: 8,
		TakingOnClients:    true,
	}
	a.mem.AddAdviser(adv)
	return adv
}

func (a *testAPI) seedDeal(id engine.DealID) {
	deal := engine.Deal{ID: id, ServicePackage: "Series A"}
	a.mem.AddDeal(deal)
	a.crm.AddDeal(deal)
}

func (a *testAPI) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// =============================================================================
// ALLOCATION WEBHOOK
// =============================================================================

func TestAllocate_Success(t *testing.T) {
	// GIVEN: one eligible adviser with an empty book and a seeded deal
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")
	api.seedDeal("D-1")

	// WHEN: the webhook fires
	rec := api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series A", DealID: "D-1"},
	})

	// THEN: the adviser is selected with the first bookable week
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[AllocateResponse](t, rec)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "D-1", resp.Allocation.DealID)
	assert.Equal(t, "avery@example.com", resp.Allocation.AdviserEmail)
	assert.Equal(t, "2026-01-26", resp.Allocation.EarliestAvailableWeek)

	// AND: the CRM owner write landed and the record persisted
	deal, ok := api.crm.Deal("D-1")
	require.True(t, ok)
	assert.Equal(t, "owner-1", deal.OwnerID)
	stored, err := api.mem.GetAllocationRecord(context.Background(), "D-1")
	require.NoError(t, err)
	assert.Equal(t, engine.RecordSuccess, stored.Status)
}

func TestAllocate_GetAndPostParity(t *testing.T) {
	// GIVEN: two identically seeded APIs
	apiPost := newTestAPI(t)
	apiPost.seedAdviser("avery@example.com", "owner-1")
	apiPost.seedDeal("D-1")
	apiGet := newTestAPI(t)
	apiGet.seedAdviser("avery@example.com", "owner-1")
	apiGet.seedDeal("D-1")

	// WHEN: the same allocation runs once per verb
	post := apiPost.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series A", DealID: "D-1"},
	})
	get := apiGet.do(t, http.MethodGet,
		"/post/allocate?service_package=Series+A&hs_deal_record_id=D-1", nil)

	// THEN: both verbs produce the same decision
	require.Equal(t, http.StatusOK, post.Code, post.Body.String())
	require.Equal(t, http.StatusOK, get.Code, get.Body.String())
	assert.JSONEq(t, post.Body.String(), get.Body.String())
}

func TestAllocate_Validation(t *testing.T) {
	api := newTestAPI(t)

	// Missing deal id
	rec := api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series A"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(engine.FaultInvalidInput), resp.Error)

	// Malformed agreement date
	rec = api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{
			ServicePackage:     "Series A",
			DealID:             "D-1",
			AgreementStartDate: "soon",
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp = decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Fields, "agreement_start_date")

	// Body that is not JSON at all
	req := httptest.NewRequest(http.MethodPost, "/post/allocate", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAllocate_UnknownDeal(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")

	rec := api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series A", DealID: "missing"},
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(engine.FaultDealNotFound), resp.Error)
}

func TestAllocate_NoEligibleAdvisers(t *testing.T) {
	// GIVEN: the only adviser serves a different package
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")
	api.seedDeal("D-1")

	rec := api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series Z", DealID: "D-1"},
	})

	// THEN: 422 and no record of any kind
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(engine.FaultNoEligibleAdvisers), resp.Error)
	succeeded, failed := api.mem.RecordCount()
	assert.Zero(t, succeeded)
	assert.Zero(t, failed)
}

func TestAllocate_CrmRejectionWritesFailedRecord(t *testing.T) {
	// GIVEN: the CRM permanently rejects the owner write
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")
	api.seedDeal("D-1")
	api.crm.OwnerErr = engine.NewFault(engine.FaultCrmUpdateFailed, "crm.owner", "read-only property")

	rec := api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series A", DealID: "D-1"},
	})

	// THEN: 502 with the classified kind, and a failed record for the audit trail
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(engine.FaultCrmUpdateFailed), resp.Error)

	succeeded, failed := api.mem.RecordCount()
	assert.Zero(t, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, "avery@example.com", api.mem.FailedRecords()[0].AdviserEmail)
}

func TestAllocate_RerunOverwritesSameRecord(t *testing.T) {
	// GIVEN: a deal already allocated once
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")
	api.seedDeal("D-1")
	body := AllocateRequest{Fields: AllocateFields{ServicePackage: "Series A", DealID: "D-1"}}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/post/allocate", body).Code)
	first, err := api.mem.GetAllocationRecord(context.Background(), "D-1")
	require.NoError(t, err)

	// WHEN: the webhook fires again for the same deal
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/post/allocate", body).Code)

	// THEN: still exactly one success record, under the original id
	second, err := api.mem.GetAllocationRecord(context.Background(), "D-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	succeeded, _ := api.mem.RecordCount()
	assert.Equal(t, 1, succeeded)
}

// =============================================================================
// AVAILABILITY VIEWS
// =============================================================================

func TestEarliest_RanksAdvisers(t *testing.T) {
	// GIVEN: two eligible advisers, one with Clarifies already booked
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")
	busy := api.seedAdviser("blair@example.com", "owner-2")
	for day := 0; day < 2; day++ {
		api.mem.AddMeeting(engine.Meeting{
			AdviserID: busy.ID,
			Kind:      engine.KindClarify,
			Day:       calendar.Date(2026, time.January, 26+day),
		})
	}

	rec := api.do(t, http.MethodGet, "/availability/earliest?service_package=series+a", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows := decode[[]EarliestRowDTO](t, rec)
	require.Len(t, rows, 2)
	assert.Equal(t, "avery@example.com", rows[0].Email)
	require.NotNil(t, rows[0].EarliestWeekMonday)
	assert.Equal(t, "2026-01-26", *rows[0].EarliestWeekMonday)
}

func TestEarliest_NoMatchIsEmptyList(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")

	rec := api.do(t, http.MethodGet, "/availability/earliest?service_package=series+z", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]EarliestRowDTO](t, rec))
}

func TestSchedule_FlagsEarliestWeek(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")

	rec := api.do(t, http.MethodGet, "/availability/schedule?email=avery@example.com&weeks=8", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ScheduleResponse](t, rec)
	assert.Equal(t, "avery@example.com", resp.Email)
	assert.Equal(t, "2026-01-12", resp.Baseline)
	require.NotNil(t, resp.EarliestWeek)
	assert.Equal(t, "2026-01-26", *resp.EarliestWeek)
	require.Len(t, resp.Rows, 8)

	flagged := 0
	for _, row := range resp.Rows {
		if row.Earliest {
			flagged++
			assert.Equal(t, "2026-01-26", row.Anchor)
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestSchedule_Validation(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")

	rec := api.do(t, http.MethodGet, "/availability/schedule", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Fields, "email")

	rec = api.do(t, http.MethodGet, "/availability/schedule?email=nobody@example.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RECORDS AND HEALTH
// =============================================================================

func TestGetAllocation(t *testing.T) {
	api := newTestAPI(t)
	api.seedAdviser("avery@example.com", "owner-1")
	api.seedDeal("D-1")

	rec := api.do(t, http.MethodGet, "/allocations/D-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/post/allocate", AllocateRequest{
		Fields: AllocateFields{ServicePackage: "Series A", DealID: "D-1"},
	}).Code)

	rec = api.do(t, http.MethodGet, "/allocations/D-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[RecordDTO](t, rec)
	assert.Equal(t, "D-1", dto.DealID)
	assert.Equal(t, "avery@example.com", dto.AdviserEmail)
	assert.Equal(t, "2026-01-26", dto.EarliestWeek)
	assert.Equal(t, string(engine.RecordSuccess), dto.Status)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}
