package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridian/allocation-engine/calendar"
	"github.com/meridian/allocation-engine/engine"
	"github.com/meridian/allocation-engine/store/memory"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeCRM struct {
	mu     sync.Mutex
	owners map[engine.DealID]string
	calls  int
	fail   error
}

func newFakeCRM() *fakeCRM { return &fakeCRM{owners: make(map[engine.DealID]string)} }

func (f *fakeCRM) SetDealOwner(_ context.Context, dealID engine.DealID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.owners[dealID] = ownerID
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	succeeded []engine.AllocationRecord
	failed    []engine.FaultKind
}

func (f *fakeNotifier) AllocationSucceeded(_ context.Context, rec engine.AllocationRecord, _ []engine.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, rec)
}

func (f *fakeNotifier) AllocationFailed(_ context.Context, _ engine.AllocationRequest, kind engine.FaultKind, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, kind)
}

// recordRejectingStore refuses every record write while delegating all other
// store calls to the embedded memory store.
type recordRejectingStore struct {
	*memory.Store
}

func (recordRejectingStore) PutAllocationRecord(context.Context, engine.AllocationRecord) (string, error) {
	return "", engine.NewStoreError(engine.StoreUnavailable, "test.PutAllocationRecord", errors.New("disk full"))
}

func newAllocator(s engine.Store, crm engine.DealWriter, n engine.Notifier) *engine.Allocator {
	a := engine.NewAllocator(s, crm, n, nil, time.UTC)
	a.Now = func() time.Time { return testToday }
	return a
}

func allocationRequest(dealID string) engine.AllocationRequest {
	return engine.AllocationRequest{
		DealID:         engine.DealID(dealID),
		ServicePackage: "Series A",
		ClientEmail:    "client@household.example",
		RequesterIP:    "203.0.113.7",
		UserAgent:      "hubspot-webhooks/1.0",
	}
}

// =============================================================================
// SELECTION AND RANKING
// =============================================================================

func TestAllocate_PrefersLowestBookingRatio(t *testing.T) {
	// GIVEN: advisers A and B at limit 8; A has one Clarify in W04
	// WHEN: allocating a Series A deal with today = 2026-01-12
	// THEN: both offer W05, B wins on ratio 0 against A's 1/2

	s := memory.New()
	advA := adviser("a.fisher@firm.example", 8)
	advB := adviser("b.hale@firm.example", 8)
	s.AddAdviser(advA)
	s.AddAdviser(advB)
	s.AddMeeting(clarify(advA.ID, d(2026, time.January, 20)))
	s.AddDeal(engine.Deal{ID: "deal-1", ServicePackage: "Series A"})

	crm := newFakeCRM()
	notifier := &fakeNotifier{}
	alloc := newAllocator(s, crm, notifier)

	res, err := alloc.Allocate(context.Background(), allocationRequest("deal-1"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	rec := res.Record
	if rec.AdviserEmail != advB.Email {
		t.Errorf("chose %s, want %s", rec.AdviserEmail, advB.Email)
	}
	if !rec.EarliestWeek.Equal(w05) || rec.WeekLabel != "2026-W05" {
		t.Errorf("earliest = %s (%s), want 2026-01-26 (2026-W05)",
			calendar.FormatDate(rec.EarliestWeek), rec.WeekLabel)
	}
	if got := crm.owners["deal-1"]; got != advB.OwnerID {
		t.Errorf("crm owner = %q, want %q", got, advB.OwnerID)
	}

	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(res.Candidates))
	}
	if res.Candidates[0].Adviser.Email != advB.Email || res.Candidates[0].Ratio.String() != "0" {
		t.Errorf("first candidate = %s ratio %s, want %s ratio 0",
			res.Candidates[0].Adviser.Email, res.Candidates[0].Ratio, advB.Email)
	}
	if res.Candidates[1].Ratio.String() != "0.5" {
		t.Errorf("runner-up ratio = %s, want 0.5", res.Candidates[1].Ratio)
	}

	stored, err := s.GetAllocationRecord(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("GetAllocationRecord: %v", err)
	}
	if stored.ID != rec.ID || stored.Status != engine.RecordSuccess {
		t.Errorf("stored record = %s/%s, want %s/success", stored.ID, stored.Status, rec.ID)
	}
	if len(notifier.succeeded) != 1 {
		t.Errorf("success notifications = %d, want 1", len(notifier.succeeded))
	}
}

func TestAllocate_TieBreaksByEmail(t *testing.T) {
	// GIVEN: two identical zero-load advisers
	// WHEN: allocating
	// THEN: the lexicographically lower email wins, every time

	s := memory.New()
	advA := adviser("a.fisher@firm.example", 8)
	advB := adviser("b.hale@firm.example", 8)
	s.AddAdviser(advB) // insertion order must not matter
	s.AddAdviser(advA)
	s.AddDeal(engine.Deal{ID: "deal-tie", ServicePackage: "Series A"})

	alloc := newAllocator(s, newFakeCRM(), nil)
	for i := 0; i < 3; i++ {
		res, err := alloc.Allocate(context.Background(), allocationRequest("deal-tie"))
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i+1, err)
		}
		if res.Record.AdviserEmail != advA.Email {
			t.Fatalf("run %d chose %s, want %s", i+1, res.Record.AdviserEmail, advA.Email)
		}
	}
}

func TestAllocate_RerunKeepsRecordIdentity(t *testing.T) {
	// GIVEN: a deal already allocated
	// WHEN: the same webhook fires again with unchanged facts
	// THEN: same adviser, same record id, still exactly one success record

	s := memory.New()
	s.AddAdviser(adviser("solo@firm.example", 8))
	s.AddDeal(engine.Deal{ID: "deal-again", ServicePackage: "Series A"})

	alloc := newAllocator(s, newFakeCRM(), nil)
	first, err := alloc.Allocate(context.Background(), allocationRequest("deal-again"))
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	second, err := alloc.Allocate(context.Background(), allocationRequest("deal-again"))
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}

	if first.Record.ID != second.Record.ID {
		t.Errorf("record ids differ: %s then %s", first.Record.ID, second.Record.ID)
	}
	if first.Record.AdviserEmail != second.Record.AdviserEmail {
		t.Errorf("adviser changed between runs: %s then %s",
			first.Record.AdviserEmail, second.Record.AdviserEmail)
	}
	if succeeded, failed := s.RecordCount(); succeeded != 1 || failed != 0 {
		t.Errorf("records = %d success / %d failed, want 1/0", succeeded, failed)
	}
}

func TestAllocate_HouseholdTypeNarrowsTheField(t *testing.T) {
	// GIVEN: A only serves HNW households, B accepts any; the deal itself
	//        carries household_type Retiree (the webhook omits it)
	// WHEN: allocating
	// THEN: A is filtered out and B is chosen

	s := memory.New()
	advA := adviser("a.fisher@firm.example", 8)
	advA.HouseholdTypes = []string{"hnw"}
	advB := adviser("b.hale@firm.example", 8)
	s.AddAdviser(advA)
	s.AddAdviser(advB)
	s.AddDeal(engine.Deal{ID: "deal-hh", ServicePackage: "Series A", HouseholdType: "Retiree"})

	alloc := newAllocator(s, newFakeCRM(), nil)
	res, err := alloc.Allocate(context.Background(), allocationRequest("deal-hh"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.Record.AdviserEmail != advB.Email {
		t.Errorf("chose %s, want %s", res.Record.AdviserEmail, advB.Email)
	}
	if len(res.Candidates) != 1 {
		t.Errorf("candidates = %d, want only the household match", len(res.Candidates))
	}
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestAllocate_NoEligibleAdvisersWritesNothing(t *testing.T) {
	// GIVEN: a Series Z deal nobody supports
	// WHEN: allocating
	// THEN: NoEligibleAdvisers, no CRM call, no record of any status

	s := memory.New()
	s.AddAdviser(adviser("a.fisher@firm.example", 8))
	s.AddDeal(engine.Deal{ID: "deal-z", ServicePackage: "Series Z"})

	crm := newFakeCRM()
	notifier := &fakeNotifier{}
	alloc := newAllocator(s, crm, notifier)

	req := allocationRequest("deal-z")
	req.ServicePackage = "Series Z"
	_, err := alloc.Allocate(context.Background(), req)

	if !errors.Is(err, engine.ErrNoEligibleAdvisers) {
		t.Fatalf("err = %v, want NoEligibleAdvisers", err)
	}
	if kind := engine.KindOf(err); kind != engine.FaultNoEligibleAdvisers {
		t.Errorf("kind = %s", kind)
	}
	if crm.calls != 0 {
		t.Errorf("crm was called %d times", crm.calls)
	}
	if succeeded, failed := s.RecordCount(); succeeded != 0 || failed != 0 {
		t.Errorf("records = %d/%d, want none", succeeded, failed)
	}
	if len(notifier.failed) != 1 || notifier.failed[0] != engine.FaultNoEligibleAdvisers {
		t.Errorf("failure notifications = %v", notifier.failed)
	}
}

func TestAllocate_NoAvailabilityReportsEveryAdviser(t *testing.T) {
	// GIVEN: two eligible advisers blocked for the whole horizon
	// WHEN: allocating
	// THEN: NoAvailability carries a reason per adviser; nothing is written

	s := memory.New()
	s.AddAdviser(adviser("a.fisher@firm.example", 8))
	s.AddAdviser(adviser("b.hale@firm.example", 8))
	s.AddDeal(engine.Deal{ID: "deal-blocked", ServicePackage: "Series A"})
	if _, err := s.CreateClosure(context.Background(), engine.OfficeClosure{
		StartDate:   d(2026, time.January, 1),
		EndDate:     d(2027, time.June, 30),
		Description: "extended shutdown",
	}); err != nil {
		t.Fatalf("CreateClosure: %v", err)
	}

	crm := newFakeCRM()
	alloc := newAllocator(s, crm, nil)
	_, err := alloc.Allocate(context.Background(), allocationRequest("deal-blocked"))

	if !errors.Is(err, engine.ErrNoAvailability) {
		t.Fatalf("err = %v, want NoAvailability", err)
	}
	var fault *engine.Fault
	if !errors.As(err, &fault) {
		t.Fatal("expected a classified fault")
	}
	if len(fault.Details) != 2 {
		t.Errorf("per-adviser details = %v, want one per adviser", fault.Details)
	}
	if crm.calls != 0 {
		t.Errorf("crm was called %d times", crm.calls)
	}
	if succeeded, failed := s.RecordCount(); succeeded != 0 || failed != 0 {
		t.Errorf("records = %d/%d, want none", succeeded, failed)
	}
}

func TestAllocate_UnknownDealIsNotFound(t *testing.T) {
	s := memory.New()
	s.AddAdviser(adviser("a.fisher@firm.example", 8))

	alloc := newAllocator(s, newFakeCRM(), nil)
	_, err := alloc.Allocate(context.Background(), allocationRequest("ghost"))

	if !errors.Is(err, engine.ErrDealNotFound) {
		t.Fatalf("err = %v, want DealNotFound", err)
	}
}

func TestAllocate_RejectsIncompleteRequests(t *testing.T) {
	alloc := newAllocator(memory.New(), newFakeCRM(), nil)

	for name, req := range map[string]engine.AllocationRequest{
		"missing deal id": {ServicePackage: "Series A"},
		"missing package": {DealID: "deal-1"},
	} {
		if _, err := alloc.Allocate(context.Background(), req); !errors.Is(err, engine.ErrInvalidInput) {
			t.Errorf("%s: err = %v, want InvalidInput", name, err)
		}
	}
}

func TestAllocate_CrmRejectionWritesFailedRecord(t *testing.T) {
	// GIVEN: the CRM permanently rejects the owner update
	// WHEN: allocating
	// THEN: the fault is CrmUpdateFailed and a failed record captures the
	//       selected adviser and the error; no success record exists

	s := memory.New()
	s.AddAdviser(adviser("a.fisher@firm.example", 8))
	s.AddDeal(engine.Deal{ID: "deal-reject", ServicePackage: "Series A"})

	crm := newFakeCRM()
	crm.fail = engine.NewFault(engine.FaultCrmUpdateFailed, "crm.SetDealOwner", "403 forbidden")
	alloc := newAllocator(s, crm, nil)

	_, err := alloc.Allocate(context.Background(), allocationRequest("deal-reject"))
	if !errors.Is(err, engine.ErrCrmUpdateFailed) {
		t.Fatalf("err = %v, want CrmUpdateFailed", err)
	}

	failed := s.FailedRecords()
	if len(failed) != 1 {
		t.Fatalf("failed records = %d, want 1", len(failed))
	}
	rec := failed[0]
	if rec.AdviserEmail != "a.fisher@firm.example" || rec.ErrorMessage == "" {
		t.Errorf("failed record = %+v, want selected adviser and an error message", rec)
	}
	if _, err := s.GetAllocationRecord(context.Background(), "deal-reject"); !engine.IsStoreNotFound(err) {
		t.Errorf("success record lookup = %v, want not found", err)
	}
}

func TestAllocate_UnclassifiedCrmErrorCountsAsUnavailable(t *testing.T) {
	s := memory.New()
	s.AddAdviser(adviser("a.fisher@firm.example", 8))
	s.AddDeal(engine.Deal{ID: "deal-flaky", ServicePackage: "Series A"})

	crm := newFakeCRM()
	crm.fail = errors.New("connection reset by peer")
	alloc := newAllocator(s, crm, nil)

	_, err := alloc.Allocate(context.Background(), allocationRequest("deal-flaky"))
	if !errors.Is(err, engine.ErrCrmUnavailable) {
		t.Fatalf("err = %v, want CrmUnavailable", err)
	}
	if !engine.IsRetryable(err) {
		t.Error("transient crm failure should be retryable")
	}
}

func TestAllocate_RecordWriteFailureAfterCrmUpdate(t *testing.T) {
	// GIVEN: the CRM update succeeds but the record write keeps failing
	// WHEN: allocating
	// THEN: the caller sees store-unavailable while the CRM change stands,
	//       and no success notification goes out

	inner := memory.New()
	inner.AddAdviser(adviser("a.fisher@firm.example", 8))
	inner.AddDeal(engine.Deal{ID: "deal-gap", ServicePackage: "Series A"})

	crm := newFakeCRM()
	notifier := &fakeNotifier{}
	alloc := newAllocator(recordRejectingStore{inner}, crm, notifier)

	_, err := alloc.Allocate(context.Background(), allocationRequest("deal-gap"))
	if !errors.Is(err, engine.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want StoreUnavailable", err)
	}
	if _, ok := crm.owners["deal-gap"]; !ok {
		t.Error("crm owner update should have happened before the record write")
	}
	if len(notifier.succeeded) != 0 {
		t.Errorf("success notifications = %d, want 0", len(notifier.succeeded))
	}
}

// =============================================================================
// READ-ONLY PROBES
// =============================================================================

func TestProbe_RanksTheWholeField(t *testing.T) {
	s := memory.New()
	advA := adviser("a.fisher@firm.example", 8)
	advB := adviser("b.hale@firm.example", 8)
	s.AddAdviser(advA)
	s.AddAdviser(advB)
	s.AddMeeting(clarify(advB.ID, d(2026, time.January, 20)))

	alloc := newAllocator(s, newFakeCRM(), nil)
	candidates, err := alloc.Probe(context.Background(), engine.AdviserFilter{ServicePackage: "Series A"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if candidates[0].Adviser.Email != advA.Email {
		t.Errorf("first = %s, want the unloaded adviser", candidates[0].Adviser.Email)
	}
	for _, c := range candidates {
		if c.Unavailable {
			t.Errorf("%s unexpectedly unavailable: %s", c.Adviser.Email, c.Reason)
		}
		if !c.Week.Equal(w05) {
			t.Errorf("%s earliest = %s, want W05", c.Adviser.Email, calendar.FormatDate(c.Week))
		}
	}
}

func TestProbe_UnknownPackageHasNoCandidates(t *testing.T) {
	s := memory.New()
	s.AddAdviser(adviser("a.fisher@firm.example", 8))

	alloc := newAllocator(s, newFakeCRM(), nil)
	if _, err := alloc.Probe(context.Background(), engine.AdviserFilter{ServicePackage: "Series Z"}); !errors.Is(err, engine.ErrNoEligibleAdvisers) {
		t.Fatalf("err = %v, want NoEligibleAdvisers", err)
	}
}

func TestScheduleFor_FindsAdvisersNotTakingClients(t *testing.T) {
	// GIVEN: an adviser who stopped taking on clients
	// WHEN: asking for their schedule by email
	// THEN: the schedule still builds (the view is diagnostic)

	s := memory.New()
	adv := adviser("paused@firm.example", 8)
	adv.TakingOnClients = false
	s.AddAdviser(adv)

	alloc := newAllocator(s, newFakeCRM(), nil)
	sched, got, err := alloc.ScheduleFor(context.Background(), "PAUSED@firm.example")
	if err != nil {
		t.Fatalf("ScheduleFor: %v", err)
	}
	if got.Email != adv.Email {
		t.Errorf("adviser = %s, want %s", got.Email, adv.Email)
	}
	if len(sched.Rows) != engine.DefaultHorizonWeeks {
		t.Errorf("rows = %d, want the full horizon", len(sched.Rows))
	}
}

func TestScheduleFor_UnknownAdviserIsInvalidInput(t *testing.T) {
	alloc := newAllocator(memory.New(), newFakeCRM(), nil)
	if _, _, err := alloc.ScheduleFor(context.Background(), "nobody@firm.example"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}
