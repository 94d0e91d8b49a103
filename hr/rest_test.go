package hr

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

// fakeHR wires a token endpoint and an API endpoint into one server.
type fakeHR struct {
	mux         *http.ServeMux
	tokenGrants atomic.Int32
	apiCalls    atomic.Int32

	// rejectFirstToken makes the API 401 any request authorized with the
	// first access token ever minted.
	rejectFirstToken bool
}

func newFakeHR(t *testing.T, serve func(w http.ResponseWriter, r *http.Request)) (*fakeHR, *REST) {
	t.Helper()
	f := &fakeHR{mux: http.NewServeMux()}

	f.mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenGrants.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + string(rune('0'+n)),
			"token_type":    "Bearer",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	})
	f.mux.HandleFunc("/api/v2/", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		if f.rejectFirstToken && r.Header.Get("Authorization") == "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		serve(w, r)
	})

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	c := NewREST(srv.URL, Credentials{
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "cid",
		ClientSecret: "secret",
		RefreshToken: "seed-refresh",
	}, nil)
	c.HTTP = srv.Client()
	return f, c
}

func employeesPage(items []map[string]string) map[string]any {
	return map[string]any{"data": map[string]any{
		"items": items, "page": 1, "page_count": 1,
	}}
}

func TestListEmployees(t *testing.T) {
	_, c := newFakeHR(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(employeesPage([]map[string]string{
			{"id": "E1", "account_email": "Avery@Example.com"},
			{"id": "E2", "account_email": "blair@example.com"},
		}))
	})

	employees, err := c.ListEmployees(context.Background())
	require.NoError(t, err)
	require.Len(t, employees, 2)
	assert.Equal(t, Employee{ID: "E1", Email: "avery@example.com"}, employees[0])
}

func TestListEmployees_RefreshesOnceOn401(t *testing.T) {
	f, c := newFakeHR(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(employeesPage(nil))
	})
	f.rejectFirstToken = true

	_, err := c.ListEmployees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenGrants.Load(), "exactly one re-auth")
	assert.Equal(t, int32(2), f.apiCalls.Load(), "exactly one request retry")
}

func TestListEmployees_PersistentFailureIsUnavailable(t *testing.T) {
	_, c := newFakeHR(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.ListEmployees(context.Background())
	assert.Equal(t, engine.StoreUnavailable, engine.StoreKindOf(err))
}

func TestListApprovedLeave_FiltersStatusAndWindow(t *testing.T) {
	_, c := newFakeHR(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"items": []map[string]string{
				{"employee_id": "E1", "start_date": "2026-02-02", "end_date": "2026-02-06", "status": "Approved"},
				{"employee_id": "E1", "start_date": "2026-02-09", "end_date": "2026-02-10", "status": "pending"},
				{"employee_id": "E1", "start_date": "2025-06-01", "end_date": "2025-06-05", "status": "approved"},
			},
			"page": 1, "page_count": 1,
		}})
	})

	from := calendar.Date(2026, time.January, 1)
	to := calendar.Date(2026, time.December, 31)
	leave, err := c.ListApprovedLeave(context.Background(), "E1", from, to)
	require.NoError(t, err)
	require.Len(t, leave, 1)
	assert.Equal(t, calendar.Date(2026, time.February, 2), leave[0].StartDate)
	assert.Equal(t, "approved", leave[0].Status)
}
