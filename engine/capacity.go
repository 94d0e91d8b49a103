/*
capacity.go - Weekly targets, out-of-office classification, carry-forward

PURPOSE:
  Builds one adviser's Schedule: a week-by-week outlook from the baseline
  week to the scan horizon. Three layered computations happen here:

  1. TARGETS: the monthly client limit (or its dated override) is halved
     into a fortnight quota and halved again into a weekly booking target,
     rounding up at each step. Weeks lost to leave or closures shrink the
     target pro rata; fully blocked weeks drop to zero, as do weeks before
     a new adviser's booking window opens.

  2. OUT-OF-OFFICE: approved leave, global closures and adviser closures
     are merged per week as a union of business days, so a day blocked by
     two sources at once is only missed once. Five missed days make the
     week Full, one to four make it Partial.

  3. CARRY-FORWARD: deals signed but not yet seen roll through fortnight
     blocks as a backlog. Each block's spare capacity (target minus booked
     Clarifies) drains the backlog, filling the block's first week up to
     its target before spilling into the second.

INVARIANTS:
  - Actual = ClarifyCount + CarryIn for every row
  - A block's drained amount never exceeds its spare capacity
  - Backlog never goes negative
  - Full OOO weeks and pre-start weeks always have Target = 0

SEE ALSO:
  - selector.go: scans the finished Schedule for the earliest free week
  - calendar: week anchoring, fortnight blocks, business day masks
*/
package engine

import (
	"context"
	"time"

	"github.com/meridian/allocation-engine/calendar"
)

// =============================================================================
// PLANNING CONSTANTS
// =============================================================================

const (
	// DefaultHorizonWeeks is how far ahead schedules are built and scanned.
	DefaultHorizonWeeks = 52

	// DefaultPrestartWeeks is how many weeks before their start date a new
	// adviser opens for bookings when no setting is stored.
	DefaultPrestartWeeks = 3

	businessDaysPerWeek = 5
)

// =============================================================================
// PLANNER - Builds per-adviser schedules from store facts
// =============================================================================

type Planner struct {
	Store Store
}

// ScheduleInput names the adviser and the window to plan. Baseline is
// anchored to its Monday; a zero Horizon means DefaultHorizonWeeks.
type ScheduleInput struct {
	Adviser       Adviser
	Baseline      time.Time
	Horizon       int
	PrestartWeeks int
}

// BuildSchedule computes the adviser's full capacity outlook. Store
// failures abort the build; an adviser with no meetings, deals or leave
// yields a schedule of empty weeks at full target.
func (p *Planner) BuildSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error) {
	baseline := calendar.MondayOf(in.Baseline)
	horizon := in.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizonWeeks
	}
	adviser := in.Adviser

	horizonEnd := calendar.AddWeeks(baseline, horizon) // exclusive
	rangeEnd := horizonEnd.AddDate(0, 0, -1)

	meetings, err := p.Store.GetMeetings(ctx, adviser.ID, baseline, rangeEnd)
	if err != nil {
		return nil, StoreFault("planner.meetings", err)
	}
	openDeals, err := p.Store.GetDealsWithoutClarify(ctx, adviser.Email, horizonEnd)
	if err != nil {
		return nil, StoreFault("planner.open_deals", err)
	}
	leave, err := p.Store.GetLeaveRequests(ctx, adviser.Email, baseline, rangeEnd)
	if err != nil {
		return nil, StoreFault("planner.leave", err)
	}
	global, err := p.Store.GetGlobalClosures(ctx)
	if err != nil {
		return nil, StoreFault("planner.global_closures", err)
	}
	personal, err := p.Store.GetAdviserClosures(ctx, adviser.Email)
	if err != nil {
		return nil, StoreFault("planner.adviser_closures", err)
	}

	// Week-keyed tallies. Meetings outside the window are dropped; open
	// deals split into pre-baseline backlog and in-horizon arrivals.
	clarifies := make(map[time.Time]int)
	kickoffs := make(map[time.Time]int)
	for _, m := range meetings {
		w := calendar.MondayOf(m.Day)
		if w.Before(baseline) || !w.Before(horizonEnd) {
			continue
		}
		switch m.Kind {
		case KindClarify:
			clarifies[w]++
		case KindKickOff:
			kickoffs[w]++
		}
	}

	arrivals := make(map[time.Time]int)
	backlog := 0
	for _, d := range openDeals {
		if d.AgreementStartDate == nil {
			// Signed before agreement dates were tracked: oldest backlog.
			backlog++
			continue
		}
		w := calendar.MondayOf(*d.AgreementStartDate)
		switch {
		case w.Before(baseline):
			backlog++
		case w.Before(horizonEnd):
			arrivals[w]++
		}
	}

	rows := make([]CapacityRow, 0, horizon)
	for i := 0; i < horizon; i++ {
		w := calendar.AddWeeks(baseline, i)
		ooo := mergeOOO(w, leave, global, personal)
		target, err := p.weekTarget(ctx, adviser, w, ooo, in.PrestartWeeks)
		if err != nil {
			return nil, err
		}
		rows = append(rows, CapacityRow{
			Anchor:       w,
			Label:        calendar.ISOWeekLabel(w),
			ClarifyCount: clarifies[w],
			KickoffCount: kickoffs[w],
			NewDealCount: arrivals[w],
			OOO:          ooo,
			Target:       target,
		})
	}

	sched := &Schedule{
		AdviserEmail:   adviser.Email,
		Baseline:       baseline,
		InitialBacklog: backlog,
		Rows:           rows,
	}
	sched.Blocks = drainBacklog(rows, backlog)

	for i := range rows {
		rows[i].Actual = rows[i].ClarifyCount + rows[i].CarryIn
		rows[i].Difference = rows[i].Actual - rows[i].Target
	}
	return sched, nil
}

// weekTarget resolves the adviser's booking target for a single week:
// pre-start weeks are zero, a dated override replaces the monthly limit,
// then the OOO state shrinks the base target pro rata.
func (p *Planner) weekTarget(ctx context.Context, a Adviser, week time.Time, ooo OOOState, prestartWeeks int) (int, error) {
	if a.StartDate != nil {
		openFrom := calendar.AddWeeks(calendar.MondayOf(*a.StartDate), -prestartWeeks)
		if week.Before(openFrom) {
			return 0, nil
		}
	}
	limit := a.ClientLimitMonthly
	ov, err := p.Store.GetActiveCapacityOverride(ctx, a.Email, week)
	if err != nil {
		return 0, StoreFault("planner.override", err)
	}
	if ov != nil {
		limit = ov.ClientLimitMonthly
	}
	return adjustForOOO(weeklyBaseTarget(limit), ooo), nil
}

// =============================================================================
// TARGET MATH
// =============================================================================

// weeklyBaseTarget halves a monthly client limit into a fortnight quota and
// halves again into a weekly target, rounding up at each step so odd limits
// never lose a slot.
func weeklyBaseTarget(monthlyLimit int) int {
	if monthlyLimit <= 0 {
		return 0
	}
	return ceilDiv(ceilDiv(monthlyLimit, 2), 2)
}

// adjustForOOO scales the base target by the business days actually worked.
func adjustForOOO(base int, ooo OOOState) int {
	switch ooo.Kind {
	case OOOFull:
		return 0
	case OOOPartial:
		worked := businessDaysPerWeek - ooo.MissedDays
		return ceilDiv(base*worked, businessDaysPerWeek)
	default:
		return base
	}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// =============================================================================
// OUT-OF-OFFICE CLASSIFICATION
// =============================================================================

// mergeOOO unions every absence source over one week's business days.
func mergeOOO(week time.Time, leave []LeaveRequest, global, personal []OfficeClosure) OOOState {
	var mask calendar.DayMask
	for _, lr := range leave {
		mask = mask.Union(calendar.WeekdayMask(week, lr.StartDate, lr.EndDate))
	}
	for _, c := range global {
		mask = mask.Union(calendar.WeekdayMask(week, c.StartDate, c.EndDate))
	}
	for _, c := range personal {
		mask = mask.Union(calendar.WeekdayMask(week, c.StartDate, c.EndDate))
	}

	days := mask.Days()
	switch {
	case days == 0:
		return OOOState{Kind: OOONone}
	case mask.IsFull():
		return OOOState{Kind: OOOFull, MissedDays: days}
	default:
		return OOOState{Kind: OOOPartial, MissedDays: days}
	}
}

// =============================================================================
// CARRY-FORWARD
// =============================================================================

// drainBacklog rolls unseen deals through the fortnight grid. Each block
// first absorbs its own arrivals into the backlog, then drains as much as
// its spare capacity allows: the first week fills up to its target, the
// remainder spills into the second. Rows are updated in place (CarryIn).
func drainBacklog(rows []CapacityRow, backlog int) []BlockDrain {
	blocks := make([]BlockDrain, 0, (len(rows)+1)/2)
	for i := 0; i < len(rows); i += 2 {
		added := rows[i].NewDealCount
		target := rows[i].Target
		booked := rows[i].ClarifyCount
		hasSecond := i+1 < len(rows)
		if hasSecond {
			added += rows[i+1].NewDealCount
			target += rows[i+1].Target
			booked += rows[i+1].ClarifyCount
		}
		backlog += added

		spare := target - booked
		if spare < 0 {
			spare = 0
		}
		drained := backlog
		if drained > spare {
			drained = spare
		}
		backlog -= drained

		headFill := drained
		if headFill > rows[i].Target {
			headFill = rows[i].Target
		}
		rows[i].CarryIn = headFill
		if hasSecond {
			rows[i+1].CarryIn = drained - headFill
		}

		blocks = append(blocks, BlockDrain{
			First:        rows[i].Anchor,
			Added:        added,
			Spare:        spare,
			Drained:      drained,
			BacklogAfter: backlog,
		})
	}
	return blocks
}
