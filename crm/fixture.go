/*
fixture.go - In-memory CRM for dev mode and tests

PURPOSE:
  A Client backed by maps. Dev mode (no CRM token configured) runs the
  whole service against it; tests seed it with exactly the advisers,
  deals and meetings a scenario needs.

FAILURE INJECTION:
  OwnerErr makes SetDealOwner fail with a chosen error, so callers can
  exercise the allocator's CRM failure paths.
*/
package crm

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridian/allocation-engine/engine"
)

// Fixture implements Client entirely in memory.
type Fixture struct {
	mu       sync.RWMutex
	advisers []engine.Adviser
	deals    map[engine.DealID]engine.Deal
	meetings map[engine.AdviserID][]engine.Meeting

	// OwnerErr, when set, is returned by every SetDealOwner call.
	OwnerErr error
	// OwnerWrites counts successful SetDealOwner calls.
	OwnerWrites int
}

func NewFixture() *Fixture {
	return &Fixture{
		deals:    make(map[engine.DealID]engine.Deal),
		meetings: make(map[engine.AdviserID][]engine.Meeting),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (f *Fixture) AddAdviser(a engine.Adviser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advisers = append(f.advisers, a)
}

func (f *Fixture) AddDeal(d engine.Deal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals[d.ID] = d
}

func (f *Fixture) AddMeeting(m engine.Meeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meetings[m.AdviserID] = append(f.meetings[m.AdviserID], m)
}

// Deal returns the current state of a seeded deal. Test helper.
func (f *Fixture) Deal(id engine.DealID) (engine.Deal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.deals[id]
	return d, ok
}

// =============================================================================
// CLIENT
// =============================================================================

func (f *Fixture) GetDeal(_ context.Context, id engine.DealID) (engine.Deal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	d, ok := f.deals[id]
	if !ok {
		return engine.Deal{}, engine.NewStoreError(engine.StoreNotFound, "fixture.GetDeal", nil)
	}
	return d, nil
}

func (f *Fixture) ListAdvisers(_ context.Context) ([]engine.Adviser, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]engine.Adviser, len(f.advisers))
	copy(out, f.advisers)
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (f *Fixture) ListMeetings(_ context.Context, adviserID engine.AdviserID, from, to time.Time) ([]engine.Meeting, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []engine.Meeting
	for _, m := range f.meetings[adviserID] {
		if !m.Day.Before(from) && !m.Day.After(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *Fixture) ListDealsWithoutFirstMeeting(_ context.Context, adviserEmail string, before time.Time) ([]engine.Deal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []engine.Deal
	for _, d := range f.deals {
		if d.HasClarify || !strings.EqualFold(d.AdviserEmail, adviserEmail) {
			continue
		}
		if d.AgreementStartDate != nil && !d.AgreementStartDate.Before(before) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fixture) SetDealOwner(_ context.Context, dealID engine.DealID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OwnerErr != nil {
		return f.OwnerErr
	}
	d, ok := f.deals[dealID]
	if !ok {
		return engine.NewFault(engine.FaultCrmUpdateFailed, "fixture.SetDealOwner", "no such deal")
	}
	d.OwnerID = ownerID
	f.deals[dealID] = d
	f.OwnerWrites++
	return nil
}
