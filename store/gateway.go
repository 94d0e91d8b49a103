/*
Package store composes the backends behind the engine's Store interface.

PURPOSE:
  The engine asks one Store for everything; this package answers by
  fanning out to the right backend: the CRM for advisers, deals and
  meetings, sqlite for closures, overrides, allocation records and
  settings, and the HR mirror (falling back to the live HR client) for
  approved leave.

CACHING:
  Slow-moving reads (adviser list, employee directory, closures,
  prestart setting, per-employee leave) sit in a TTL cache (default
  5 min). Admin writes flush the cache immediately; the TTL bounds
  staleness even when a flush is missed, so correctness never depends
  on cache coherence.

DEADLINES:
  Every outbound call carries its own deadline: 10s for point reads,
  30s for bulk listings. The caller's context still cancels early.

SEE ALSO:
  - engine/store.go: the consumed interface and error contract
  - store/sqlite: the owned state
  - store/memory: the all-in-one test store
*/
package store

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/meridian/allocation-engine/crm"
	"github.com/meridian/allocation-engine/engine"
	"github.com/meridian/allocation-engine/hr"
	"github.com/meridian/allocation-engine/store/sqlite"
)

// AdminStore is what the HTTP layer needs: the engine's read/write surface
// plus the closure and override CRUD. Implemented by *Gateway and by
// memory.Store.
type AdminStore interface {
	engine.Store

	ListClosures(ctx context.Context) ([]engine.OfficeClosure, error)
	CreateClosure(ctx context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error)
	UpdateClosure(ctx context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error)
	DeleteClosure(ctx context.Context, id string) error

	ListCapacityOverrides(ctx context.Context) ([]engine.CapacityOverride, error)
	CreateCapacityOverride(ctx context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error)
	UpdateCapacityOverride(ctx context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error)
	DeleteCapacityOverride(ctx context.Context, id string) error
}

const (
	DefaultCacheTTL    = 5 * time.Minute
	DefaultCallTimeout = 10 * time.Second
	DefaultBulkTimeout = 30 * time.Second
)

// Gateway is the production AdminStore.
type Gateway struct {
	DB  *sqlite.DB
	CRM crm.Client
	HR  hr.Client
	Log *zap.Logger

	CallTimeout time.Duration
	BulkTimeout time.Duration

	cache *gocache.Cache
}

// NewGateway wires the three backends behind one Store. cacheTTL <= 0 uses
// the 5 minute default.
func NewGateway(db *sqlite.DB, crmClient crm.Client, hrClient hr.Client, log *zap.Logger, cacheTTL time.Duration) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Gateway{
		DB:          db,
		CRM:         crmClient,
		HR:          hrClient,
		Log:         log.Named("store"),
		CallTimeout: DefaultCallTimeout,
		BulkTimeout: DefaultBulkTimeout,
		cache:       gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// =============================================================================
// CRM-BACKED READS
// =============================================================================

func (g *Gateway) ListAdvisers(ctx context.Context, filter engine.AdviserFilter) ([]engine.Adviser, error) {
	advisers, err := g.allAdvisers(ctx)
	if err != nil {
		return nil, err
	}

	var out []engine.Adviser
	for _, a := range advisers {
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
	return out, nil
}

// allAdvisers serves the unfiltered adviser list from cache.
func (g *Gateway) allAdvisers(ctx context.Context) ([]engine.Adviser, error) {
	const key = "advisers"
	if cached, ok := g.cache.Get(key); ok {
		return cached.([]engine.Adviser), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout())
	defer cancel()
	advisers, err := g.CRM.ListAdvisers(ctx)
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(key, advisers)
	return advisers, nil
}

func (g *Gateway) GetDeal(ctx context.Context, id engine.DealID) (engine.Deal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.CRM.GetDeal(ctx, id)
}

func (g *Gateway) GetMeetings(ctx context.Context, adviserID engine.AdviserID, from, to time.Time) ([]engine.Meeting, error) {
	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout())
	defer cancel()
	return g.CRM.ListMeetings(ctx, adviserID, from, to)
}

func (g *Gateway) GetDealsWithoutClarify(ctx context.Context, adviserEmail string, before time.Time) ([]engine.Deal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout())
	defer cancel()
	return g.CRM.ListDealsWithoutFirstMeeting(ctx, adviserEmail, before)
}

// =============================================================================
// LEAVE - HR mirror first, live HR client as fallback
// =============================================================================

func (g *Gateway) GetLeaveRequests(ctx context.Context, adviserEmail string, from, to time.Time) ([]engine.LeaveRequest, error) {
	employeeID, ok, err := g.resolveEmployee(ctx, adviserEmail)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Advisers without an HR record simply have no leave.
		return nil, nil
	}

	key := fmt.Sprintf("leave:%s:%s:%s", employeeID, from.Format("20060102"), to.Format("20060102"))
	if cached, ok := g.cache.Get(key); ok {
		return cached.([]engine.LeaveRequest), nil
	}

	leave, err := g.loadLeave(ctx, employeeID, from, to)
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(key, leave)
	return leave, nil
}

func (g *Gateway) loadLeave(ctx context.Context, employeeID string, from, to time.Time) ([]engine.LeaveRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()

	synced, err := g.DB.HasLeaveFor(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if synced {
		return g.DB.GetLeaveRequests(ctx, employeeID, from, to)
	}
	return g.HR.ListApprovedLeave(ctx, employeeID, from, to)
}

// resolveEmployee maps an adviser email to an HR employee id, trying the
// sqlite mirror first and the live directory second. ok = false when the
// adviser exists in neither.
func (g *Gateway) resolveEmployee(ctx context.Context, adviserEmail string) (string, bool, error) {
	dctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	id, err := g.DB.GetEmployeeIDByEmail(dctx, adviserEmail)
	cancel()
	if err == nil {
		return id, true, nil
	}
	if !engine.IsStoreNotFound(err) {
		return "", false, err
	}

	directory, err := g.employeeDirectory(ctx)
	if err != nil {
		return "", false, err
	}
	id, ok := directory[engine.NormalizeTag(adviserEmail)]
	return id, ok, nil
}

func (g *Gateway) employeeDirectory(ctx context.Context) (map[string]string, error) {
	const key = "employees"
	if cached, ok := g.cache.Get(key); ok {
		return cached.(map[string]string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.bulkTimeout())
	defer cancel()
	employees, err := g.HR.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	directory := make(map[string]string, len(employees))
	for _, e := range employees {
		directory[engine.NormalizeTag(e.Email)] = e.ID
	}
	g.cache.SetDefault(key, directory)
	return directory, nil
}

// =============================================================================
// SQLITE-BACKED READS
// =============================================================================

func (g *Gateway) GetGlobalClosures(ctx context.Context) ([]engine.OfficeClosure, error) {
	const key = "closures:global"
	if cached, ok := g.cache.Get(key); ok {
		return cached.([]engine.OfficeClosure), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	closures, err := g.DB.GetGlobalClosures(ctx)
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(key, closures)
	return closures, nil
}

func (g *Gateway) GetAdviserClosures(ctx context.Context, adviserEmail string) ([]engine.OfficeClosure, error) {
	key := "closures:adviser:" + engine.NormalizeTag(adviserEmail)
	if cached, ok := g.cache.Get(key); ok {
		return cached.([]engine.OfficeClosure), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	closures, err := g.DB.GetAdviserClosures(ctx, adviserEmail)
	if err != nil {
		return nil, err
	}
	g.cache.SetDefault(key, closures)
	return closures, nil
}

func (g *Gateway) GetActiveCapacityOverride(ctx context.Context, adviserEmail string, asOf time.Time) (*engine.CapacityOverride, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.DB.GetActiveCapacityOverride(ctx, adviserEmail, asOf)
}

func (g *Gateway) GetPrestartWeeks(ctx context.Context) (int, error) {
	const key = "prestart_weeks"
	if cached, ok := g.cache.Get(key); ok {
		return cached.(int), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	weeks, err := g.DB.GetPrestartWeeks(ctx)
	if err != nil {
		return 0, err
	}
	g.cache.SetDefault(key, weeks)
	return weeks, nil
}

func (g *Gateway) PutAllocationRecord(ctx context.Context, rec engine.AllocationRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.DB.PutAllocationRecord(ctx, rec)
}

func (g *Gateway) GetAllocationRecord(ctx context.Context, dealID engine.DealID) (engine.AllocationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.DB.GetAllocationRecord(ctx, dealID)
}

// Ping reports backend health for the health endpoint.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.DB.Ping(ctx)
}

// =============================================================================
// ADMIN CRUD - writes flush the cache
// =============================================================================

func (g *Gateway) ListClosures(ctx context.Context) ([]engine.OfficeClosure, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.DB.ListClosures(ctx)
}

func (g *Gateway) CreateClosure(ctx context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	created, err := g.DB.CreateClosure(ctx, c)
	if err == nil {
		g.flush("closure created")
	}
	return created, err
}

func (g *Gateway) UpdateClosure(ctx context.Context, c engine.OfficeClosure) (engine.OfficeClosure, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	updated, err := g.DB.UpdateClosure(ctx, c)
	if err == nil {
		g.flush("closure updated")
	}
	return updated, err
}

func (g *Gateway) DeleteClosure(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	err := g.DB.DeleteClosure(ctx, id)
	if err == nil {
		g.flush("closure deleted")
	}
	return err
}

func (g *Gateway) ListCapacityOverrides(ctx context.Context) ([]engine.CapacityOverride, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	return g.DB.ListCapacityOverrides(ctx)
}

func (g *Gateway) CreateCapacityOverride(ctx context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	created, err := g.DB.CreateCapacityOverride(ctx, ov)
	if err == nil {
		g.flush("override created")
	}
	return created, err
}

func (g *Gateway) UpdateCapacityOverride(ctx context.Context, ov engine.CapacityOverride) (engine.CapacityOverride, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	updated, err := g.DB.UpdateCapacityOverride(ctx, ov)
	if err == nil {
		g.flush("override updated")
	}
	return updated, err
}

func (g *Gateway) DeleteCapacityOverride(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout())
	defer cancel()
	err := g.DB.DeleteCapacityOverride(ctx, id)
	if err == nil {
		g.flush("override deleted")
	}
	return err
}

// flush drops every cache entry. Admin writes are rare enough that
// invalidating selectively is not worth tracking key membership.
func (g *Gateway) flush(reason string) {
	g.cache.Flush()
	g.Log.Debug("cache flushed", zap.String("reason", reason))
}

func (g *Gateway) callTimeout() time.Duration {
	if g.CallTimeout > 0 {
		return g.CallTimeout
	}
	return DefaultCallTimeout
}

func (g *Gateway) bulkTimeout() time.Duration {
	if g.BulkTimeout > 0 {
		return g.BulkTimeout
	}
	return DefaultBulkTimeout
}
