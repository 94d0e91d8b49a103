/*
store.go - Data access contracts between the engine and the outside world

PURPOSE:
  Defines the interfaces the allocation core consumes. The engine never
  talks to HubSpot-style CRMs, HR systems or SQL directly; it sees one
  Store that answers domain questions, one DealWriter that commits the
  ownership change, and one Notifier that announces outcomes.

KEY INTERFACES:
  Store:      read side (advisers, meetings, deals, leave, closures,
              overrides) plus allocation record persistence
  DealWriter: the single CRM mutation the engine performs
  Notifier:   fire-and-forget announcements, never fails an allocation

ERROR CONTRACT:
  Store implementations return *StoreError so the engine can classify
  failures without knowing the backend. Reads with an obvious empty
  answer (no overrides, no leave) return empty slices, not errors;
  GetActiveCapacityOverride returns nil when no override applies.

IDEMPOTENCY:
  PutAllocationRecord upserts successful records per deal: re-allocating
  the same deal overwrites the previous decision but keeps the original
  record id. Failed attempts are plain inserts and never displace a
  successful record.

IMPLEMENTATIONS:
  - store/gateway.go: production composite (SQLite + CRM + HR, cached)
  - store/memory/memory.go: in-memory store for tests

SEE ALSO:
  - capacity.go, selector.go, allocator.go: the consumers
  - errors.go: StoreError kinds
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Read model plus allocation record persistence
// =============================================================================

// AdviserFilter narrows ListAdvisers. Zero value lists every adviser who is
// currently taking on clients.
type AdviserFilter struct {
	ServicePackage   string
	HouseholdType    string
	IncludeNotTaking bool
}

// Store answers the domain questions the engine asks while allocating.
// All date parameters are civil dates; [from, to] ranges are inclusive.
type Store interface {
	// ListAdvisers returns advisers matching the filter. Package and
	// household matching follow Adviser.Serves and Adviser.AcceptsHousehold.
	ListAdvisers(ctx context.Context, filter AdviserFilter) ([]Adviser, error)

	// GetDeal fetches one deal. Missing deals are a StoreNotFound error.
	GetDeal(ctx context.Context, id DealID) (Deal, error)

	// GetMeetings returns the adviser's meetings with days inside [from, to].
	GetMeetings(ctx context.Context, adviserID AdviserID, from, to time.Time) ([]Meeting, error)

	// GetDealsWithoutClarify returns the adviser's deals that have no
	// Clarify meeting yet and whose agreement date is nil or earlier than
	// before. Callers split them into pre-baseline backlog and in-horizon
	// arrivals.
	GetDealsWithoutClarify(ctx context.Context, adviserEmail string, before time.Time) ([]Deal, error)

	// GetLeaveRequests returns approved leave overlapping [from, to] for the
	// employee behind the adviser email. Unknown employees yield no leave.
	GetLeaveRequests(ctx context.Context, adviserEmail string, from, to time.Time) ([]LeaveRequest, error)

	// GetGlobalClosures returns closures that apply to every adviser.
	GetGlobalClosures(ctx context.Context) ([]OfficeClosure, error)

	// GetAdviserClosures returns closures specific to one adviser.
	GetAdviserClosures(ctx context.Context, adviserEmail string) ([]OfficeClosure, error)

	// GetActiveCapacityOverride returns the override in force for the
	// adviser on the given day, or nil when none applies. With several
	// overrides the latest effective date on or before asOf wins.
	GetActiveCapacityOverride(ctx context.Context, adviserEmail string, asOf time.Time) (*CapacityOverride, error)

	// GetPrestartWeeks returns how many weeks before their start date a new
	// adviser opens for bookings.
	GetPrestartWeeks(ctx context.Context) (int, error)

	// PutAllocationRecord persists an allocation outcome and returns the
	// record id (the original id when overwriting a success for the same
	// deal).
	PutAllocationRecord(ctx context.Context, rec AllocationRecord) (string, error)

	// GetAllocationRecord returns the successful record for a deal.
	// Missing records are a StoreNotFound error.
	GetAllocationRecord(ctx context.Context, dealID DealID) (AllocationRecord, error)
}

// =============================================================================
// DEAL WRITER - The one CRM mutation
// =============================================================================

// DealWriter commits the allocation decision to the CRM. Implementations
// retry transient failures internally and return a *Fault classified as
// FaultCrmUnavailable (retries exhausted) or FaultCrmUpdateFailed
// (permanent rejection).
type DealWriter interface {
	SetDealOwner(ctx context.Context, dealID DealID, ownerID string) error
}

// =============================================================================
// NOTIFIER - Outcome announcements
// =============================================================================

// Notifier announces allocation outcomes to humans. Implementations log
// delivery failures and never propagate them; a lost notification must not
// fail an otherwise committed allocation.
type Notifier interface {
	AllocationSucceeded(ctx context.Context, rec AllocationRecord, candidates []Candidate)
	AllocationFailed(ctx context.Context, req AllocationRequest, kind FaultKind, detail string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) AllocationSucceeded(context.Context, AllocationRecord, []Candidate) {}
func (NopNotifier) AllocationFailed(context.Context, AllocationRequest, FaultKind, string) {
}
