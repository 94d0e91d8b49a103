// fixture.go - In-memory HR client for dev mode and tests.
package hr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/meridian/allocation-engine/engine"
)

// Fixture implements Client from seeded maps.
type Fixture struct {
	mu        sync.RWMutex
	employees []Employee
	leave     map[string][]engine.LeaveRequest
}

func NewFixture() *Fixture {
	return &Fixture{leave: make(map[string][]engine.LeaveRequest)}
}

func (f *Fixture) AddEmployee(e Employee) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))
	f.employees = append(f.employees, e)
}

// AddLeave seeds a leave request; status defaults to approved.
func (f *Fixture) AddLeave(employeeID string, lr engine.LeaveRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lr.Status == "" {
		lr.Status = "approved"
	}
	lr.EmployeeID = engine.EmployeeID(employeeID)
	f.leave[employeeID] = append(f.leave[employeeID], lr)
}

func (f *Fixture) ListEmployees(_ context.Context) ([]Employee, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Employee, len(f.employees))
	copy(out, f.employees)
	return out, nil
}

func (f *Fixture) ListApprovedLeave(_ context.Context, employeeID string, from, to time.Time) ([]engine.LeaveRequest, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []engine.LeaveRequest
	for _, lr := range f.leave[employeeID] {
		if !strings.EqualFold(lr.Status, "approved") {
			continue
		}
		if lr.StartDate.After(to) || lr.EndDate.Before(from) {
			continue
		}
		out = append(out, lr)
	}
	return out, nil
}
