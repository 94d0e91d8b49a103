/*
hubspot.go - REST client for a HubSpot-style CRM

PURPOSE:
  Maps the Client interface onto the CRM's v3 object API: deals and
  meetings via search endpoints with property filters, advisers via the
  users search, the owner update via an object PATCH.

RETRY POLICY:
  Transient failures (timeouts, 429, 5xx) are retried with exponential
  backoff: 3 retries, 0.5s base delay, doubling, capped at 4s. Other
  4xx responses are permanent and surface immediately.

PAGING:
  Search responses page via paging.next.after; every listing follows
  the cursor until it runs out.

SEE ALSO:
  - crm.go: interface and error contract
  - fixture.go: in-memory stand-in
*/
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

const (
	retryAttempts = 4 // first try + 3 retries
	retryBase     = 500 * time.Millisecond
	retryCap      = 4 * time.Second
)

// HubSpot is the production Client. BaseURL has no trailing slash, e.g.
// "https://api.hubapi.com".
type HubSpot struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Log     *zap.Logger
}

// NewHubSpot builds a client with a 10s default request timeout.
func NewHubSpot(baseURL, token string, log *zap.Logger) *HubSpot {
	if log == nil {
		log = zap.NewNop()
	}
	return &HubSpot{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Log:     log.Named("crm"),
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string   `json:"propertyName"`
	Operator     string   `json:"operator"`
	Value        string   `json:"value,omitempty"`
	Values       []string `json:"values,omitempty"`
}

type searchResponse struct {
	Results []crmObject `json:"results"`
	Paging  *struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

type crmObject struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// =============================================================================
// READS
// =============================================================================

var dealProperties = []string{
	"service_package", "household_type", "agreement_start_date",
	"hubspot_owner_id", "advisor_email", "most_recent_clarify",
}

func (c *HubSpot) GetDeal(ctx context.Context, id engine.DealID) (engine.Deal, error) {
	const op = "crm.GetDeal"
	url := fmt.Sprintf("%s/crm/v3/objects/deals/%s?properties=%s",
		c.BaseURL, id, strings.Join(dealProperties, ","))

	var obj crmObject
	if err := c.getJSON(ctx, op, url, &obj); err != nil {
		return engine.Deal{}, err
	}
	return dealFromObject(obj), nil
}

func (c *HubSpot) ListAdvisers(ctx context.Context) ([]engine.Adviser, error) {
	const op = "crm.ListAdvisers"
	req := searchRequest{
		FilterGroups: []filterGroup{{Filters: []filter{
			{PropertyName: "client_limit_monthly", Operator: "HAS_PROPERTY"},
		}}},
		Properties: []string{
			"hs_email", "hs_given_name", "hs_family_name", "hubspot_owner_id",
			"service_packages", "household_type", "pod_type",
			"client_limit_monthly", "adviser_start_date", "taking_on_clients",
		},
		Limit: 100,
	}

	objects, err := c.searchAll(ctx, op, "/crm/v3/objects/users/search", req)
	if err != nil {
		return nil, err
	}
	advisers := make([]engine.Adviser, 0, len(objects))
	for _, obj := range objects {
		advisers = append(advisers, adviserFromObject(obj))
	}
	return advisers, nil
}

func (c *HubSpot) ListMeetings(ctx context.Context, adviserID engine.AdviserID, from, to time.Time) ([]engine.Meeting, error) {
	const op = "crm.ListMeetings"
	req := searchRequest{
		FilterGroups: []filterGroup{{Filters: []filter{
			{PropertyName: "hubspot_owner_id", Operator: "EQ", Value: string(adviserID)},
			{PropertyName: "hs_activity_type", Operator: "IN", Values: []string{"Clarify", "Kick Off"}},
			{PropertyName: "hs_meeting_start_time", Operator: "GTE", Value: epochMillis(from)},
			{PropertyName: "hs_meeting_start_time", Operator: "LTE", Value: epochMillis(to.AddDate(0, 0, 1))},
		}}},
		Properties: []string{"hs_activity_type", "hs_meeting_start_time", "hs_deal_record_id"},
		Limit:      100,
	}

	objects, err := c.searchAll(ctx, op, "/crm/v3/objects/meetings/search", req)
	if err != nil {
		return nil, err
	}
	meetings := make([]engine.Meeting, 0, len(objects))
	for _, obj := range objects {
		day, ok := parseCrmDate(obj.Properties["hs_meeting_start_time"])
		if !ok {
			continue
		}
		meetings = append(meetings, engine.Meeting{
			AdviserID: adviserID,
			Kind:      meetingKind(obj.Properties["hs_activity_type"]),
			Day:       day,
			DealID:    engine.DealID(obj.Properties["hs_deal_record_id"]),
		})
	}
	return meetings, nil
}

func (c *HubSpot) ListDealsWithoutFirstMeeting(ctx context.Context, adviserEmail string, before time.Time) ([]engine.Deal, error) {
	const op = "crm.ListDealsWithoutFirstMeeting"
	req := searchRequest{
		FilterGroups: []filterGroup{{Filters: []filter{
			{PropertyName: "advisor_email", Operator: "EQ", Value: adviserEmail},
			{PropertyName: "most_recent_clarify", Operator: "NOT_HAS_PROPERTY"},
		}}},
		Properties: dealProperties,
		Limit:      100,
	}

	objects, err := c.searchAll(ctx, op, "/crm/v3/objects/deals/search", req)
	if err != nil {
		return nil, err
	}
	deals := make([]engine.Deal, 0, len(objects))
	for _, obj := range objects {
		d := dealFromObject(obj)
		// The search API cannot express "date is null or before X" in one
		// filter group, so the date cut happens here.
		if d.AgreementStartDate != nil && !d.AgreementStartDate.Before(before) {
			continue
		}
		deals = append(deals, d)
	}
	return deals, nil
}

// =============================================================================
// THE OWNER WRITE
// =============================================================================

func (c *HubSpot) SetDealOwner(ctx context.Context, dealID engine.DealID, ownerID string) error {
	const op = "crm.SetDealOwner"
	body, _ := json.Marshal(map[string]any{
		"properties": map[string]string{"advisor": ownerID},
	})
	url := fmt.Sprintf("%s/crm/v3/objects/deals/%s", c.BaseURL, dealID)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
			if err != nil {
				return engine.WrapFault(engine.FaultInternal, op, err)
			}
			c.authorize(req)
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.HTTP.Do(req)
			if err != nil {
				return engine.WrapFault(engine.FaultCrmUnavailable, op, err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode < 300:
				return nil
			case transientStatus(resp.StatusCode):
				return engine.WrapFault(engine.FaultCrmUnavailable, op,
					fmt.Errorf("crm returned %d", resp.StatusCode))
			default:
				return engine.WrapFault(engine.FaultCrmUpdateFailed, op,
					fmt.Errorf("crm rejected owner update with %d", resp.StatusCode))
			}
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBase),
		retry.MaxDelay(retryCap),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return engine.KindOf(err) == engine.FaultCrmUnavailable
		}),
		retry.OnRetry(func(n uint, err error) {
			c.Log.Warn("retrying deal owner update",
				zap.String("deal_id", string(dealID)), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	return err
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *HubSpot) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.Token)
}

// getJSON performs an authorized GET with transient-failure retries and
// decodes the response into out. 404 maps to StoreNotFound.
func (c *HubSpot) getJSON(ctx context.Context, op, url string, out any) error {
	return c.doJSON(ctx, op, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, out)
}

// postJSON performs an authorized POST of body with retries.
func (c *HubSpot) postJSON(ctx context.Context, op, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return c.doJSON(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

func (c *HubSpot) doJSON(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	return retry.Do(
		func() error {
			req, err := build()
			if err != nil {
				return engine.NewStoreError(engine.StoreUnavailable, op, err)
			}
			c.authorize(req)

			resp, err := c.HTTP.Do(req)
			if err != nil {
				return engine.NewStoreError(engine.StoreUnavailable, op, err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return engine.NewStoreError(engine.StoreNotFound, op, nil)
			case resp.StatusCode >= 300:
				io.Copy(io.Discard, resp.Body)
				return engine.NewStoreError(engine.StoreUnavailable, op,
					fmt.Errorf("crm returned %d", resp.StatusCode))
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return engine.NewStoreError(engine.StoreUnavailable, op, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBase),
		retry.MaxDelay(retryCap),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return engine.StoreKindOf(err) == engine.StoreUnavailable
		}),
	)
}

// searchAll follows paging.next.after until the search is exhausted.
func (c *HubSpot) searchAll(ctx context.Context, op, path string, req searchRequest) ([]crmObject, error) {
	url := c.BaseURL + path
	var objects []crmObject
	for {
		var resp searchResponse
		if err := c.postJSON(ctx, op, url, req, &resp); err != nil {
			return nil, err
		}
		objects = append(objects, resp.Results...)
		if resp.Paging == nil || resp.Paging.Next.After == "" {
			return objects, nil
		}
		req.After = resp.Paging.Next.After
	}
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// =============================================================================
// PROPERTY MAPPING
// =============================================================================

func dealFromObject(obj crmObject) engine.Deal {
	props := obj.Properties
	d := engine.Deal{
		ID:             engine.DealID(obj.ID),
		ServicePackage: engine.NormalizeTag(props["service_package"]),
		HouseholdType:  engine.NormalizeTag(props["household_type"]),
		OwnerID:        props["hubspot_owner_id"],
		AdviserEmail:   strings.ToLower(strings.TrimSpace(props["advisor_email"])),
		HasClarify:     strings.TrimSpace(props["most_recent_clarify"]) != "",
	}
	if day, ok := parseCrmDate(props["agreement_start_date"]); ok {
		d.AgreementStartDate = &day
	}
	return d
}

func adviserFromObject(obj crmObject) engine.Adviser {
	props := obj.Properties
	limit, _ := strconv.Atoi(strings.TrimSpace(props["client_limit_monthly"]))
	a := engine.Adviser{
		ID:                 engine.AdviserID(obj.ID),
		OwnerID:            props["hubspot_owner_id"],
		Email:              strings.ToLower(strings.TrimSpace(props["hs_email"])),
		Name:               strings.TrimSpace(props["hs_given_name"] + " " + props["hs_family_name"]),
		ServicePackages:    engine.SplitTags(props["service_packages"]),
		HouseholdTypes:     engine.SplitTags(props["household_type"]),
		PodType:            engine.PodType(engine.NormalizeTag(props["pod_type"])),
		ClientLimitMonthly: limit,
		TakingOnClients:    strings.EqualFold(strings.TrimSpace(props["taking_on_clients"]), "true"),
	}
	if day, ok := parseCrmDate(props["adviser_start_date"]); ok {
		a.StartDate = &day
	}
	return a
}

func meetingKind(activityType string) engine.MeetingKind {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(activityType), " ", "_")) {
	case "clarify":
		return engine.KindClarify
	case "kick_off", "kickoff":
		return engine.KindKickOff
	default:
		return engine.KindOther
	}
}

// parseCrmDate accepts the two formats the CRM emits for date properties:
// YYYY-MM-DD strings and epoch milliseconds.
func parseCrmDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if day, err := calendar.ParseDate(raw); err == nil {
		return day, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return calendar.FromCivil(time.UnixMilli(ms).UTC()), true
	}
	return time.Time{}, false
}

func epochMillis(day time.Time) string {
	return strconv.FormatInt(calendar.FromCivil(day).UnixMilli(), 10)
}
