/*
selector.go - Earliest-week scan over a finished schedule

PURPOSE:
  Given one adviser's Schedule, finds the earliest week the adviser can
  take a new client. The scan walks fortnight blocks in order and only
  considers blocks whose backlog fully cleared; inside an eligible block
  it returns the lowest week that is bookable at all.

A WEEK IS A CANDIDATE WHEN:
  - it is on or after the adviser's first candidate week (booking buffer,
    and for new advisers the pre-start opening), and
  - the week is not fully out of office, and
  - actual bookings sit below the week's target.

  Fully blocked weeks are skipped individually: a Full first week does
  not disqualify its block's second week.

SEE ALSO:
  - capacity.go: builds the Schedule and its BlockDrain trail
  - allocator.go: runs this scan per eligible adviser and ranks results
*/
package engine

import (
	"time"

	"github.com/meridian/allocation-engine/calendar"
)

// BookingBufferWeeks keeps new allocations out of the current and next
// week, leaving room for paperwork before the first meeting.
const BookingBufferWeeks = 2

// FirstCandidateWeek is the earliest Monday an allocation may land on for
// this adviser: two weeks out from today, pushed later for advisers whose
// booking window has not opened yet.
func FirstCandidateWeek(now time.Time, adviser Adviser, prestartWeeks int) time.Time {
	first := calendar.AddWeeks(calendar.MondayOf(now), BookingBufferWeeks)
	if adviser.StartDate != nil {
		openFrom := calendar.AddWeeks(calendar.MondayOf(*adviser.StartDate), -prestartWeeks)
		if openFrom.After(first) {
			first = openFrom
		}
	}
	return first
}

// FindEarliestWeek scans the schedule for the first bookable week on or
// after firstCandidate. The boolean is false when nothing within the
// schedule's horizon qualifies.
func FindEarliestWeek(s *Schedule, firstCandidate time.Time) (time.Time, bool) {
	firstCandidate = calendar.MondayOf(firstCandidate)

	for bi, blk := range s.Blocks {
		// A block that still owes backlog has no spare capacity by
		// construction; skip it wholesale.
		if blk.BacklogAfter > 0 {
			continue
		}
		for ri := 2 * bi; ri < 2*bi+2 && ri < len(s.Rows); ri++ {
			row := s.Rows[ri]
			if row.Anchor.Before(firstCandidate) {
				continue
			}
			if row.OOO.Kind == OOOFull {
				continue
			}
			if row.Actual < row.Target {
				return row.Anchor, true
			}
		}
	}
	return time.Time{}, false
}
