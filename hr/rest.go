/*
rest.go - HTTP client for the HR platform

PURPOSE:
  Implements Client against the platform's v2 REST API with oauth2
  refresh-token auth. Listings page via page/page_count.

TOKEN HANDLING:
  The refresh token is long-lived configuration; access tokens come
  from an oauth2.TokenSource built around it. On a 401 the cached
  source is dropped and the request retried once with a fresh token; a
  second 401 or a token-endpoint failure surfaces as StoreUnavailable.
  When the provider rotates the refresh token the new one is kept for
  the process lifetime.
*/
package hr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
)

// Credentials configures the refresh-token grant.
type Credentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// REST is the production Client.
type REST struct {
	BaseURL string
	HTTP    *http.Client
	Log     *zap.Logger

	creds Credentials

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewREST builds a client with a 10s default request timeout.
func NewREST(baseURL string, creds Credentials, log *zap.Logger) *REST {
	if log == nil {
		log = zap.NewNop()
	}
	return &REST{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Log:     log.Named("hr"),
		creds:   creds,
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type employeePage struct {
	Data struct {
		Items []struct {
			ID    string `json:"id"`
			Email string `json:"account_email"`
		} `json:"items"`
		Page      int `json:"page"`
		PageCount int `json:"page_count"`
	} `json:"data"`
}

type leavePage struct {
	Data struct {
		Items []struct {
			EmployeeID string `json:"employee_id"`
			StartDate  string `json:"start_date"`
			EndDate    string `json:"end_date"`
			Status     string `json:"status"`
		} `json:"items"`
		Page      int `json:"page"`
		PageCount int `json:"page_count"`
	} `json:"data"`
}

// =============================================================================
// CLIENT
// =============================================================================

func (c *REST) ListEmployees(ctx context.Context) ([]Employee, error) {
	const op = "hr.ListEmployees"
	var employees []Employee
	for page := 1; ; page++ {
		var resp employeePage
		url := fmt.Sprintf("%s/api/v2/employees?page_index=%d", c.BaseURL, page)
		if err := c.getJSON(ctx, op, url, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Data.Items {
			employees = append(employees, Employee{
				ID:    item.ID,
				Email: strings.ToLower(strings.TrimSpace(item.Email)),
			})
		}
		if resp.Data.Page >= resp.Data.PageCount || len(resp.Data.Items) == 0 {
			return employees, nil
		}
	}
}

func (c *REST) ListApprovedLeave(ctx context.Context, employeeID string, from, to time.Time) ([]engine.LeaveRequest, error) {
	const op = "hr.ListApprovedLeave"
	var leave []engine.LeaveRequest
	for page := 1; ; page++ {
		var resp leavePage
		url := fmt.Sprintf("%s/api/v2/employees/%s/leave_requests?page_index=%d", c.BaseURL, employeeID, page)
		if err := c.getJSON(ctx, op, url, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Data.Items {
			if !strings.EqualFold(item.Status, "approved") {
				continue
			}
			start, err1 := calendar.ParseDate(item.StartDate)
			end, err2 := calendar.ParseDate(item.EndDate)
			if err1 != nil || err2 != nil {
				c.Log.Warn("skipping leave request with bad dates",
					zap.String("employee_id", employeeID),
					zap.String("start", item.StartDate), zap.String("end", item.EndDate))
				continue
			}
			if start.After(to) || end.Before(from) {
				continue
			}
			leave = append(leave, engine.LeaveRequest{
				EmployeeID: engine.EmployeeID(employeeID),
				StartDate:  start,
				EndDate:    end,
				Status:     "approved",
			})
		}
		if resp.Data.Page >= resp.Data.PageCount || len(resp.Data.Items) == 0 {
			return leave, nil
		}
	}
}

// =============================================================================
// AUTH AND HTTP PLUMBING
// =============================================================================

// token returns a current access token, minting a source from the refresh
// token on first use. reset forces a fresh source (the 401 path).
func (c *REST) token(ctx context.Context, reset bool) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reset || c.source == nil {
		cfg := &oauth2.Config{
			ClientID:     c.creds.ClientID,
			ClientSecret: c.creds.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.creds.TokenURL},
		}
		c.source = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.creds.RefreshToken})
	}
	tok, err := c.source.Token()
	if err != nil {
		return nil, err
	}
	// Providers may rotate the refresh token on each grant.
	if tok.RefreshToken != "" {
		c.creds.RefreshToken = tok.RefreshToken
	}
	return tok, nil
}

// getJSON performs one authorized GET, re-authenticating exactly once when
// the platform answers 401.
func (c *REST) getJSON(ctx context.Context, op, url string, out any) error {
	status, err := c.attempt(ctx, op, url, out, false)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.Log.Info("hr token rejected, refreshing once", zap.String("op", op))
		status, err = c.attempt(ctx, op, url, out, true)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return engine.NewStoreError(engine.StoreUnavailable, op,
			fmt.Errorf("hr returned %d", status))
	}
	return nil
}

func (c *REST) attempt(ctx context.Context, op, url string, out any, resetToken bool) (int, error) {
	tok, err := c.token(ctx, resetToken)
	if err != nil {
		return 0, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	tok.SetAuthHeader(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, engine.NewStoreError(engine.StoreUnavailable, op, err)
	}
	return resp.StatusCode, nil
}
