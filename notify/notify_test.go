package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Jordan Lee", DisplayName("jordan.lee@example.com"))
	assert.Equal(t, "Casey Quinn Reyes", DisplayName("casey_quinn-reyes@example.com"))
	assert.Equal(t, "Morgan", DisplayName("morgan@example.com"))
	assert.Equal(t, "plainstring", DisplayName("plainstring"))
}

func TestFormatTagList(t *testing.T) {
	assert.Equal(t, "HNW, Retiree", FormatTagList("hnw; retiree"))
	assert.Equal(t, "IPO, Young Family", FormatTagList("IPO / young family"))
	assert.Equal(t, "Series A", FormatTagList("series a"))
	assert.Equal(t, "", FormatTagList(""))
}

func TestFormatAgreementStart(t *testing.T) {
	assert.Equal(t, "12 Jan 2026", FormatAgreementStart("2026-01-12"))
	assert.Equal(t, "12 Jan 2026", FormatAgreementStart("1768176000000"))
	assert.Equal(t, "next quarter", FormatAgreementStart("next quarter"))
	assert.Equal(t, "", FormatAgreementStart("  "))
}

func TestNew_EmptyURLIsNop(t *testing.T) {
	n := New("", nil)
	_, ok := n.(engine.NopNotifier)
	assert.True(t, ok)
}

func TestAllocationSucceeded_PostsCard(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
	}))
	t.Cleanup(srv.Close)

	n := New(srv.URL, nil).(*Chat)
	n.HTTP = srv.Client()

	n.AllocationSucceeded(context.Background(), engine.AllocationRecord{
		DealID:         "D-1",
		AdviserEmail:   "jordan.lee@example.com",
		ServicePackage: "series a",
		EarliestWeek:   calendar.Date(2026, time.January, 26),
		WeekLabel:      "2026-W05",
	}, nil)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(body, &msg))
	cards := msg["cards"].([]any)
	require.Len(t, cards, 1)
	header := cards[0].(map[string]any)["header"].(map[string]any)
	assert.Equal(t, "Deal allocated", header["title"])
	assert.Contains(t, string(body), "Jordan Lee")
	assert.Contains(t, string(body), "2026-W05")
}

func TestAllocationFailed_DeliveryFailureIsSwallowed(t *testing.T) {
	n := New("http://127.0.0.1:1/unreachable", nil).(*Chat)
	n.HTTP = &http.Client{Timeout: 100 * time.Millisecond}

	// Must not panic or propagate anything.
	n.AllocationFailed(context.Background(), engine.AllocationRequest{DealID: "D-1"},
		engine.FaultNoAvailability, "nobody free")
}
