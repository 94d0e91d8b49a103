/*
Package hr reads the employee directory and approved leave from the HR
platform.

PURPOSE:
  Two reads: the employee id/email directory (used to resolve adviser
  emails) and approved leave windows per employee. The periodic sync
  that mirrors these into the store lives outside this service; the
  gateway calls this client directly when the mirror has nothing.

AUTH:
  rest.go authenticates with an oauth2 refresh-token grant and retries
  once with a fresh token on a 401.

ERROR CONTRACT:
  Failures surface as *engine.StoreError with kind StoreUnavailable so
  the gateway treats HR trouble like any other backend outage.
*/
package hr

import (
	"context"
	"time"

	"github.com/meridian/allocation-engine/engine"
)

// Employee is a directory entry.
type Employee struct {
	ID    string
	Email string
}

// Client is the HR surface the gateway consumes.
type Client interface {
	// ListEmployees returns the full directory.
	ListEmployees(ctx context.Context) ([]Employee, error)

	// ListApprovedLeave returns approved leave overlapping [from, to] for
	// one employee.
	ListApprovedLeave(ctx context.Context, employeeID string, from, to time.Time) ([]engine.LeaveRequest, error)
}
