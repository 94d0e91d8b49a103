/*
allocator.go - End-to-end allocation flow

PURPOSE:
  Ties the pieces together: validate the request, load the deal, find
  eligible advisers, build every schedule in parallel, rank the field,
  commit the winner to the CRM and persist the decision.

FLOW:
  request -> deal lookup -> eligible advisers -> schedules (parallel)
          -> earliest weeks -> rank -> CRM owner update -> record -> notify

RANKING:
  Candidates with a week are ordered by earliest week first, then by the
  lowest booking ratio (Clarifies booked from the baseline through that
  week, over the week's target), then by email. The email tie-break keeps
  reruns deterministic: same facts, same adviser.

FAILURE SEMANTICS:
  - No record is written when no adviser is eligible or nobody has a
    free week; the deal stays untouched.
  - A CRM update failure after selection writes a best-effort failed
    record carrying the error, then surfaces the classified fault.
  - A record write failure after a successful CRM update is logged as an
    inconsistency and surfaced as store-unavailable; the record write is
    idempotent per deal, so the caller may simply retry.
  - Notification failures never fail an allocation.

SEE ALSO:
  - capacity.go, selector.go: the per-adviser computations
  - store.go: the Store, DealWriter and Notifier contracts
*/
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian/allocation-engine/calendar"
)

// =============================================================================
// ALLOCATOR
// =============================================================================

const (
	// DefaultAllocateTimeout bounds one whole allocation including all
	// schedule builds and the CRM write.
	DefaultAllocateTimeout = 60 * time.Second

	// DefaultParallelism caps concurrent schedule builds.
	DefaultParallelism = 16
)

type Allocator struct {
	Store    Store
	CRM      DealWriter
	Notifier Notifier
	Log      *zap.Logger

	// Now returns the current civil date in the scheduling timezone.
	// Overridden in tests to pin the baseline week.
	Now func() time.Time

	Horizon     int
	Parallelism int
	Timeout     time.Duration
}

// NewAllocator wires the allocation flow. loc is the scheduling timezone
// "today" is derived from; nil notifier and logger default to no-ops.
func NewAllocator(store Store, crm DealWriter, notifier Notifier, log *zap.Logger, loc *time.Location) *Allocator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{
		Store:       store,
		CRM:         crm,
		Notifier:    notifier,
		Log:         log.Named("allocator"),
		Now:         func() time.Time { return calendar.TodayIn(loc) },
		Horizon:     DefaultHorizonWeeks,
		Parallelism: DefaultParallelism,
		Timeout:     DefaultAllocateTimeout,
	}
}

// Validate checks the webhook payload before any backend work happens.
func (r AllocationRequest) Validate() error {
	if strings.TrimSpace(string(r.DealID)) == "" {
		return NewFault(FaultInvalidInput, "request.validate", "fields.hs_deal_record_id is required")
	}
	if strings.TrimSpace(r.ServicePackage) == "" {
		return NewFault(FaultInvalidInput, "request.validate", "fields.service_package is required")
	}
	return nil
}

// =============================================================================
// ALLOCATE - The main entry point
// =============================================================================

// Allocate runs the full flow for one deal and returns the persisted record
// together with the ranked candidate field.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	log := a.Log.With(zap.String("deal_id", string(req.DealID)))

	if err := req.Validate(); err != nil {
		return nil, err
	}

	deal, err := a.Store.GetDeal(ctx, req.DealID)
	if err != nil {
		if IsStoreNotFound(err) {
			return nil, WrapFault(FaultDealNotFound, "allocator.deal", err)
		}
		return nil, StoreFault("allocator.deal", err)
	}

	// Webhook fields win; deal properties fill the gaps.
	pkg := firstNonEmpty(req.ServicePackage, deal.ServicePackage)
	household := firstNonEmpty(req.HouseholdType, deal.HouseholdType)
	if req.AgreementStartDate == nil {
		req.AgreementStartDate = deal.AgreementStartDate
	}

	advisers, err := a.Store.ListAdvisers(ctx, AdviserFilter{ServicePackage: pkg, HouseholdType: household})
	if err != nil {
		return nil, StoreFault("allocator.advisers", err)
	}
	if len(advisers) == 0 {
		detail := fmt.Sprintf("no adviser taking on clients covers service package %q", pkg)
		if strings.TrimSpace(household) != "" {
			detail += fmt.Sprintf(" with household type %q", household)
		}
		fault := NewFault(FaultNoEligibleAdvisers, "allocator.advisers", detail)
		a.Notifier.AllocationFailed(ctx, req, fault.Kind, detail)
		return nil, fault
	}

	now := a.today()
	candidates, err := a.buildCandidates(ctx, advisers, now)
	if err != nil {
		return nil, err
	}
	ranked := rankCandidates(candidates)

	selected := ranked[0]
	if selected.Unavailable {
		detail := fmt.Sprintf("%d eligible advisers, none with a bookable week within %d weeks",
			len(ranked), a.horizon())
		fault := &Fault{
			Kind:   FaultNoAvailability,
			Op:     "allocator.select",
			Detail: detail,
			Details: lo.SliceToMap(ranked, func(c Candidate) (string, string) {
				return c.Adviser.Email, c.Reason
			}),
		}
		a.Notifier.AllocationFailed(ctx, req, fault.Kind, detail)
		return nil, fault
	}

	log.Info("adviser selected",
		zap.String("adviser_email", selected.Adviser.Email),
		zap.String("earliest_week", calendar.FormatDate(selected.Week)),
		zap.String("ratio", selected.Ratio.String()),
		zap.Int("candidates", len(ranked)))

	if err := a.CRM.SetDealOwner(ctx, req.DealID, selected.Adviser.OwnerID); err != nil {
		kind := KindOf(err)
		if kind != FaultCrmUpdateFailed {
			kind = FaultCrmUnavailable
		}
		log.Error("crm owner update failed",
			zap.String("adviser_email", selected.Adviser.Email), zap.Error(err))
		a.recordFailure(ctx, req, pkg, household, selected, err)
		a.Notifier.AllocationFailed(ctx, req, kind, err.Error())
		return nil, WrapFault(kind, "allocator.crm_update", err)
	}

	rec := AllocationRecord{
		DealID:         req.DealID,
		AdviserID:      selected.Adviser.ID,
		AdviserEmail:   selected.Adviser.Email,
		ServicePackage: pkg,
		HouseholdType:  household,
		EarliestWeek:   selected.Week,
		WeekLabel:      selected.WeekLabel,
		DecidedAt:      time.Now().UTC(),
		Status:         RecordSuccess,
		RequesterIP:    req.RequesterIP,
		UserAgent:      req.UserAgent,
		Extra:          recordExtra(req, selected),
	}
	id, err := a.Store.PutAllocationRecord(ctx, rec)
	if err != nil {
		// The CRM already points the deal at the adviser. Flag the gap and
		// let the caller retry: the record write is idempotent per deal.
		log.Warn("inconsistency: crm updated but allocation record write failed",
			zap.String("adviser_id", string(selected.Adviser.ID)),
			zap.String("adviser_email", selected.Adviser.Email),
			zap.Error(err))
		return nil, StoreFault("allocator.record", err)
	}
	rec.ID = id

	a.Notifier.AllocationSucceeded(ctx, rec, ranked)
	return &AllocationResult{Record: rec, Candidates: ranked}, nil
}

// =============================================================================
// PROBES - Read-only availability (shared with the API views)
// =============================================================================

// Probe computes ranked availability for every adviser matching the filter
// without touching the CRM or writing records.
func (a *Allocator) Probe(ctx context.Context, filter AdviserFilter) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	advisers, err := a.Store.ListAdvisers(ctx, filter)
	if err != nil {
		return nil, StoreFault("allocator.advisers", err)
	}
	if len(advisers) == 0 {
		return nil, NewFault(FaultNoEligibleAdvisers, "allocator.advisers", "no adviser matches the filter")
	}
	candidates, err := a.buildCandidates(ctx, advisers, a.today())
	if err != nil {
		return nil, err
	}
	return rankCandidates(candidates), nil
}

// ScheduleFor builds the full schedule for one adviser looked up by email,
// including advisers not currently taking on clients.
func (a *Allocator) ScheduleFor(ctx context.Context, email string) (*Schedule, Adviser, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	advisers, err := a.Store.ListAdvisers(ctx, AdviserFilter{IncludeNotTaking: true})
	if err != nil {
		return nil, Adviser{}, StoreFault("allocator.advisers", err)
	}
	adv, ok := lo.Find(advisers, func(x Adviser) bool {
		return strings.EqualFold(x.Email, strings.TrimSpace(email))
	})
	if !ok {
		return nil, Adviser{}, NewFault(FaultInvalidInput, "allocator.schedule",
			fmt.Sprintf("unknown adviser %q", email))
	}

	planner := &Planner{Store: a.Store}
	sched, err := planner.BuildSchedule(ctx, ScheduleInput{
		Adviser:       adv,
		Baseline:      calendar.MondayOf(a.today()),
		Horizon:       a.horizon(),
		PrestartWeeks: a.prestartWeeks(ctx),
	})
	if err != nil {
		return nil, Adviser{}, err
	}
	return sched, adv, nil
}

// buildCandidates fans schedule builds out across the adviser field. Any
// store failure aborts the whole allocation rather than silently dropping
// an adviser from consideration.
func (a *Allocator) buildCandidates(ctx context.Context, advisers []Adviser, now time.Time) ([]Candidate, error) {
	baseline := calendar.MondayOf(now)
	prestart := a.prestartWeeks(ctx)
	horizonEnd := calendar.AddWeeks(baseline, a.horizon())
	planner := &Planner{Store: a.Store}

	out := make([]Candidate, len(advisers))
	g, gctx := errgroup.WithContext(ctx)
	limit := a.parallelism()
	if limit > len(advisers) {
		limit = len(advisers)
	}
	g.SetLimit(limit)

	for i, adv := range advisers {
		i, adv := i, adv
		g.Go(func() error {
			sched, err := planner.BuildSchedule(gctx, ScheduleInput{
				Adviser:       adv,
				Baseline:      baseline,
				Horizon:       a.horizon(),
				PrestartWeeks: prestart,
			})
			if err != nil {
				return fmt.Errorf("schedule for %s: %w", adv.Email, err)
			}
			cand := Candidate{Adviser: adv, Schedule: sched}
			first := FirstCandidateWeek(now, adv, prestart)
			if week, ok := FindEarliestWeek(sched, first); ok {
				cand.Week = week
				cand.WeekLabel = calendar.ISOWeekLabel(week)
				cand.Ratio = bookingRatio(sched, week)
			} else {
				cand.Unavailable = true
				cand.Reason = fmt.Sprintf("no bookable week before %s", calendar.FormatDate(horizonEnd))
			}
			out[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// RANKING
// =============================================================================

// bookingRatio measures how loaded an adviser already is at their earliest
// week: Clarifies booked from the baseline through that week, over the
// week's target (floored at 1 so empty targets never divide by zero).
func bookingRatio(s *Schedule, week time.Time) decimal.Decimal {
	target := 1
	if row, ok := s.Row(week); ok && row.Target > 1 {
		target = row.Target
	}
	booked := decimal.NewFromInt(int64(s.ClarifiesThrough(week)))
	return booked.Div(decimal.NewFromInt(int64(target)))
}

// rankCandidates orders the field: available candidates by week, ratio and
// email, then unavailable ones by email. The ordering is total, so the same
// facts always elect the same adviser.
func rankCandidates(candidates []Candidate) []Candidate {
	available := lo.Filter(candidates, func(c Candidate, _ int) bool { return !c.Unavailable })
	unavailable := lo.Filter(candidates, func(c Candidate, _ int) bool { return c.Unavailable })

	sort.SliceStable(available, func(i, j int) bool {
		x, y := available[i], available[j]
		if !x.Week.Equal(y.Week) {
			return x.Week.Before(y.Week)
		}
		if !x.Ratio.Equal(y.Ratio) {
			return x.Ratio.LessThan(y.Ratio)
		}
		return x.Adviser.Email < y.Adviser.Email
	})
	sort.SliceStable(unavailable, func(i, j int) bool {
		return unavailable[i].Adviser.Email < unavailable[j].Adviser.Email
	})
	return append(available, unavailable...)
}

// =============================================================================
// RECORD AND DEFAULT HELPERS
// =============================================================================

// recordFailure persists a best-effort failed record after a CRM update
// failure, mirroring the fields a successful record would carry.
func (a *Allocator) recordFailure(ctx context.Context, req AllocationRequest, pkg, household string, selected Candidate, cause error) {
	rec := AllocationRecord{
		DealID:         req.DealID,
		AdviserID:      selected.Adviser.ID,
		AdviserEmail:   selected.Adviser.Email,
		ServicePackage: pkg,
		HouseholdType:  household,
		EarliestWeek:   selected.Week,
		WeekLabel:      selected.WeekLabel,
		DecidedAt:      time.Now().UTC(),
		Status:         RecordFailed,
		ErrorMessage:   cause.Error(),
		RequesterIP:    req.RequesterIP,
		UserAgent:      req.UserAgent,
		Extra:          recordExtra(req, selected),
	}
	if _, err := a.Store.PutAllocationRecord(ctx, rec); err != nil {
		a.Log.Warn("failed allocation record not persisted",
			zap.String("deal_id", string(req.DealID)), zap.Error(err))
	}
}

func recordExtra(req AllocationRequest, selected Candidate) map[string]string {
	agreement := ""
	if req.AgreementStartDate != nil {
		agreement = calendar.FormatDate(*req.AgreementStartDate)
	}
	return map[string]string{
		"client_email":             req.ClientEmail,
		"adviser_name":             selected.Adviser.Name,
		"adviser_service_packages": strings.Join(selected.Adviser.ServicePackages, "; "),
		"adviser_household_types":  strings.Join(selected.Adviser.HouseholdTypes, "; "),
		"agreement_start_date":     agreement,
	}
}

func (a *Allocator) today() time.Time {
	if a.Now != nil {
		return calendar.FromCivil(a.Now())
	}
	return calendar.TodayIn(time.UTC)
}

func (a *Allocator) prestartWeeks(ctx context.Context) int {
	weeks, err := a.Store.GetPrestartWeeks(ctx)
	if err != nil || weeks < 0 {
		a.Log.Warn("prestart weeks unavailable, using default",
			zap.Int("default", DefaultPrestartWeeks), zap.Error(err))
		return DefaultPrestartWeeks
	}
	return weeks
}

func (a *Allocator) horizon() int {
	if a.Horizon > 0 {
		return a.Horizon
	}
	return DefaultHorizonWeeks
}

func (a *Allocator) parallelism() int {
	if a.Parallelism > 0 {
		return a.Parallelism
	}
	return DefaultParallelism
}

func (a *Allocator) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultAllocateTimeout
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
