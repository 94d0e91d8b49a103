// Package memory provides an in-memory Store for tests and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/allocation-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps everything in maps behind one RWMutex. It implements
// engine.Store plus the admin CRUD surface, so API handlers can run against
// it without SQLite.
type Store struct {
	mu            sync.RWMutex
	advisers      []engine.Adviser
	deals         map[engine.DealID]engine.Deal
	meetings      map[engine.AdviserID][]engine.Meeting
	leave         map[string][]engine.LeaveRequest
	closures      map[string]engine.OfficeClosure
	overrides     map[string]engine.CapacityOverride
	records       map[string]engine.AllocationRecord
	successByDeal map[engine.DealID]string
	prestartWeeks int
}

func New() *Store {
	return &Store{
		deals:         make(map[engine.DealID]engine.Deal),
		meetings:      make(map[engine.AdviserID][]engine.Meeting),
		leave:         make(map[string][]engine.LeaveRequest),
		closures:      make(map[string]engine.OfficeClosure),
		overrides:     make(map[string]engine.CapacityOverride),
		records:       make(map[string]engine.AllocationRecord),
		successByDeal: make(map[engine.DealID]string),
		prestartWeeks: engine.DefaultPrestartWeeks,
	}
}

// =============================================================================
// SEEDING - Test and fixture setup
// =============================================================================

func (m *Store) AddAdviser(a engine.Adviser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advisers = append(m.advisers, a)
}

func (m *Store) AddDeal(d engine.Deal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[d.ID] = d
}

func (m *Store) AddMeeting(mt engine.Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meetings[mt.AdviserID] = append(m.meetings[mt.AdviserID], mt)
}

func (m *Store) AddLeave(adviserEmail string, lr engine.LeaveRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(adviserEmail)
	m.leave[key] = append(m.leave[key], lr)
}

func (m *Store) SetPrestartWeeks(weeks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prestartWeeks = weeks
}

// =============================================================================
// ENGINE STORE - Read side
// =============================================================================

func (m *Store) ListAdvisers(_ context.Context, filter engine.AdviserFilter) ([]engine.Adviser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Adviser
	for _, a := range m.advisers {
		if !a.TakingOnClients && !filter.IncludeNotTaking {
			continue
		}
		if filter.ServicePackage != "" && !a.Serves(filter.ServicePackage) {
			continue
		}
		if !a.AcceptsHousehold(filter.HouseholdType) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *Store) GetDeal(_ context.Context, id engine.DealID) (engine.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return engine.Deal{}, engine.NewStoreError(engine.StoreNotFound, "memory.GetDeal", nil)
	}
	return d, nil
}

func (m *Store) GetMeetings(_ context.Context, adviserID engine.AdviserID, from, to time.Time) ([]engine.Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Meeting
	for _, mt := range m.meetings[adviserID] {
		if !mt.Day.Before(from) && !mt.Day.After(to) {
			out = append(out, mt)
		}
	}
	return out, nil
}

func (m *Store) GetDealsWithoutClarify(_ context.Context, adviserEmail string, before time.Time) ([]engine.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Deal
	for _, d := range m.deals {
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

func (m *Store) GetLeaveRequests(_ context.Context, adviserEmail string, from, to time.Time) ([]engine.LeaveRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.LeaveRequest
	for _, lr := range m.leave[strings.ToLower(adviserEmail)] {
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

func (m *Store) GetGlobalClosures(_ context.Context) ([]engine.OfficeClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.OfficeClosure
	for _, c := range m.closures {
		if c.Global() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (m *Store) GetAdviserClosures(_ context.Context, adviserEmail string) ([]engine.OfficeClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.OfficeClosure
	for _, c := range m.closures {
		if strings.EqualFold(c.AdviserEmail, adviserEmail) && !c.Global() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (m *Store) GetActiveCapacityOverride(_ context.Context, adviserEmail string, asOf time.Time) (*engine.CapacityOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active *engine.CapacityOverride
	for id := range m.overrides {
		ov := m.overrides[id]
		if !strings.EqualFold(ov.AdviserEmail, adviserEmail) || ov.EffectiveDate.After(asOf) {
			continue
		}
		if active == nil ||
			ov.EffectiveDate.After(active.EffectiveDate) ||
			(ov.EffectiveDate.Equal(active.EffectiveDate) && ov.ID > active.ID) {
			copied := ov
			active = &copied
		}
	}
	return active, nil
}

func (m *Store) GetPrestartWeeks(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prestartWeeks, nil
}

// =============================================================================
// ENGINE STORE - Allocation records
// =============================================================================

// PutAllocationRecord upserts success records per deal, keeping the original
// record id. Failed records are plain inserts and never displace a success.
func (m *Store) PutAllocationRecord(_ context.Context, rec engine.AllocationRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Status == engine.RecordSuccess {
		if existing, ok := m.successByDeal[rec.DealID]; ok {
			rec.ID = existing
		} else {
			rec.ID = uuid.NewString()
			m.successByDeal[rec.DealID] = rec.ID
		}
	} else {
		rec.ID = uuid.NewString()
	}
	m.records[rec.ID] = rec
	return rec.ID, nil
}

func (m *Store) GetAllocationRecord(_ context.Context, dealID engine.DealID) (engine.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.successByDeal[dealID]
	if !ok {
		return engine.AllocationRecord{}, engine.NewStoreError(engine.StoreNotFound, "memory.GetAllocationRecord", nil)
	}
	return m.records[id], nil
}

// RecordCount reports how many records exist, split by status. Test helper.
func (m *Store) RecordCount() (succeeded, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.Status == engine.RecordSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// FailedRecords returns all failed records. Test helper.
func (m *Store) FailedRecords() []engine.AllocationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.AllocationRecord
	for _, rec := range m.records {
		if rec.Status == engine.RecordFailed {
			out = append(out, rec)
		}
	}
	return out
}

// =============================================================================
// ADMIN CRUD - Closures
// =============================================================================

func (m *Store) ListClosures(_ context.Context) ([]engine.OfficeClosure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.OfficeClosure, 0, len(m.closures))
	for _, c := range m.closures {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) CreateClosure(_ context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = uuid.NewString()
	m.closures[c.ID] = c
	return c, nil
}

func (m *Store) UpdateClosure(_ context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.closures[c.ID]; !ok {
		return engine.OfficeClosure{}, engine.NewStoreError(engine.StoreNotFound, "memory.UpdateClosure", nil)
	}
	m.closures[c.ID] = c
	return c, nil
}

func (m *Store) DeleteClosure(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.closures[id]; !ok {
		return engine.NewStoreError(engine.StoreNotFound, "memory.DeleteClosure", nil)
	}
	delete(m.closures, id)
	return nil
}

// =============================================================================
// ADMIN CRUD - Capacity overrides
// =============================================================================

func (m *Store) ListCapacityOverrides(_ context.Context) ([]engine.CapacityOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.CapacityOverride, 0, len(m.overrides))
	for _, ov := range m.overrides {
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AdviserEmail != out[j].AdviserEmail {
			return out[i].AdviserEmail < out[j].AdviserEmail
		}
		if !out[i].EffectiveDate.Equal(out[j].EffectiveDate) {
			return out[i].EffectiveDate.Before(out[j].EffectiveDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) CreateCapacityOverride(_ context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ov.ID = uuid.NewString()
	m.overrides[ov.ID] = ov
	return ov, nil
}

func (m *Store) UpdateCapacityOverride(_ context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overrides[ov.ID]; !ok {
		return engine.CapacityOverride{}, engine.NewStoreError(engine.StoreNotFound, "memory.UpdateCapacityOverride", nil)
	}
	m.overrides[ov.ID] = ov
	return ov, nil
}

func (m *Store) DeleteCapacityOverride(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overrides[id]; !ok {
		return engine.NewStoreError(engine.StoreNotFound, "memory.DeleteCapacityOverride", nil)
	}
	delete(m.overrides, id)
	return nil
}
