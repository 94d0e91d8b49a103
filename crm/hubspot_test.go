package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

func testClient(t *testing.T, handler http.HandlerFunc) *HubSpot {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewHubSpot(srv.URL, "test-token", nil)
	c.HTTP = srv.Client()
	return c
}

func TestGetDeal_MapsProperties(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(crmObject{
			ID: "D-1",
			Properties: map[string]string{
				"service_package":      "Series A",
				"household_type":       "HNW",
				"agreement_start_date": "2026-01-05",
				"advisor_email":        "Alex@Example.com",
				"most_recent_clarify":  "",
			},
		})
	})

	deal, err := c.GetDeal(context.Background(), "D-1")
	require.NoError(t, err)
	assert.Equal(t, engine.DealID("D-1"), deal.ID)
	assert.Equal(t, "series a", deal.ServicePackage)
	assert.Equal(t, "alex@example.com", deal.AdviserEmail)
	assert.False(t, deal.HasClarify)
	require.NotNil(t, deal.AgreementStartDate)
	assert.Equal(t, calendar.Date(2026, time.January, 5), *deal.AgreementStartDate)
}

func TestGetDeal_NotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetDeal(context.Background(), "missing")
	assert.True(t, engine.IsStoreNotFound(err))
}

func TestGetDeal_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(crmObject{ID: "D-1"})
	})

	deal, err := c.GetDeal(context.Background(), "D-1")
	require.NoError(t, err)
	assert.Equal(t, engine.DealID("D-1"), deal.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSetDealOwner_PermanentRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPatch, r.Method)
		w.WriteHeader(http.StatusBadRequest)
	})

	err := c.SetDealOwner(context.Background(), "D-1", "owner-9")
	assert.Equal(t, engine.FaultCrmUpdateFailed, engine.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSetDealOwner_TransientExhaustionSurfacesUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.SetDealOwner(context.Background(), "D-1", "owner-9")
	assert.Equal(t, engine.FaultCrmUnavailable, engine.KindOf(err))
	assert.Equal(t, int32(retryAttempts), calls.Load())
}

func TestSetDealOwner_WritesAdvisorProperty(t *testing.T) {
	var got map[string]map[string]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.SetDealOwner(context.Background(), "D-1", "owner-9"))
	assert.Equal(t, "owner-9", got["properties"]["advisor"])
}

func TestSearchAll_FollowsPaging(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if calls.Add(1) == 1 {
			assert.Empty(t, req.After)
			json.NewEncoder(w).Encode(map[string]any{
				"results": []crmObject{{ID: "1"}, {ID: "2"}},
				"paging":  map[string]any{"next": map[string]string{"after": "cursor-2"}},
			})
			return
		}
		assert.Equal(t, "cursor-2", req.After)
		json.NewEncoder(w).Encode(map[string]any{"results": []crmObject{{ID: "3"}}})
	})

	objects, err := c.searchAll(context.Background(), "test", "/crm/v3/objects/deals/search", searchRequest{})
	require.NoError(t, err)
	require.Len(t, objects, 3)
	assert.Equal(t, "3", objects[2].ID)
}

func TestParseCrmDate(t *testing.T) {
	day, ok := parseCrmDate("2026-01-12")
	assert.True(t, ok)
	assert.Equal(t, calendar.Date(2026, time.January, 12), day)

	// Epoch millis for 2026-01-12T00:00:00Z.
	day, ok = parseCrmDate("1768176000000")
	assert.True(t, ok)
	assert.Equal(t, calendar.Date(2026, time.January, 12), day)

	_, ok = parseCrmDate("")
	assert.False(t, ok)
	_, ok = parseCrmDate("not-a-date")
	assert.False(t, ok)
}

func TestMeetingKind(t *testing.T) {
	assert.Equal(t, engine.KindClarify, meetingKind("Clarify"))
	assert.Equal(t, engine.KindKickOff, meetingKind("Kick Off"))
	assert.Equal(t, engine.KindOther, meetingKind("Annual Review"))
}
