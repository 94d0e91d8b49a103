package calendar

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CIVIL DATES - Day-granularity dates normalized to midnight UTC
// =============================================================================

// Everything in this package operates on "civil dates": time.Time values
// pinned to midnight UTC. Wall-clock inputs (webhook timestamps, HR payloads,
// "now") must pass through FromCivil or TodayIn before any week math, so that
// a calendar day means the same thing regardless of the server's timezone.

// Date returns the civil date for the given year, month and day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// FromCivil strips t down to the civil date of its own calendar day,
// as observed in t's location.
func FromCivil(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// TodayIn returns the current civil date as observed in loc.
func TodayIn(loc *time.Location) time.Time {
	return FromCivil(time.Now().In(loc))
}

// ParseDate parses a YYYY-MM-DD string into a civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return FromCivil(t), nil
}

// FormatDate renders a civil date as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format("2006-01-02") }

// Weekday checks
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
func IsWorkday(t time.Time) bool { return !IsWeekend(t) }

// =============================================================================
// WEEKS - Monday-anchored weeks and ISO labels
// =============================================================================

// A week is identified by the civil date of its Monday. Functions that take a
// week parameter accept any day of the week and anchor it via MondayOf.

// MondayOf returns the Monday of the week containing t.
func MondayOf(t time.Time) time.Time {
	d := FromCivil(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// AddWeeks returns the Monday n weeks after week. n may be negative.
func AddWeeks(week time.Time, n int) time.Time {
	return MondayOf(week).AddDate(0, 0, 7*n)
}

// WeeksBetween returns the whole number of weeks from the week containing
// from to the week containing to. Negative when to's week precedes from's.
func WeeksBetween(from, to time.Time) int {
	days := int(MondayOf(to).Sub(MondayOf(from)).Hours() / 24)
	return days / 7
}

// ISOWeekLabel renders the week containing t as an ISO 8601 week label,
// e.g. "2026-W05". The ISO year can differ from the calendar year of the
// Monday around year boundaries.
func ISOWeekLabel(t time.Time) string {
	year, week := MondayOf(t).ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// ParseISOWeekLabel parses a "YYYY-Www" label and returns the Monday of that
// ISO week. Labels naming a week the year does not have (e.g. W53 in a
// 52-week year) are rejected.
func ParseISOWeekLabel(label string) (time.Time, error) {
	parts := strings.SplitN(strings.TrimSpace(label), "-W", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("invalid week label %q", label)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid week label %q", label)
	}
	week, err := strconv.Atoi(parts[1])
	if err != nil || week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("invalid week label %q", label)
	}
	// January 4th always falls in ISO week 1 of its year.
	monday := AddWeeks(MondayOf(Date(year, time.January, 4)), week-1)
	if gotYear, gotWeek := monday.ISOWeek(); gotYear != year || gotWeek != week {
		return time.Time{}, fmt.Errorf("invalid week label %q: year %d has no week %d", label, year, week)
	}
	return monday, nil
}

// =============================================================================
// FORTNIGHT BLOCKS - Two-week planning blocks aligned to a baseline
// =============================================================================

// Block is a fortnight: two consecutive weeks starting at First. Blocks are
// aligned to the baseline week, not to ISO week parity; the baseline week
// always opens block 0.
type Block struct {
	First  time.Time
	Second time.Time
}

// Weeks returns the block's two Mondays in order.
func (b Block) Weeks() [2]time.Time { return [2]time.Time{b.First, b.Second} }

// Contains reports whether week is one of the block's two weeks.
func (b Block) Contains(week time.Time) bool {
	w := MondayOf(week)
	return w.Equal(b.First) || w.Equal(b.Second)
}

// BlockAt returns block i of the fortnight grid anchored at baseline.
func BlockAt(baseline time.Time, i int) Block {
	first := AddWeeks(baseline, 2*i)
	return Block{First: first, Second: AddWeeks(first, 1)}
}

// BlockIndex returns the index of the block containing week, counting the
// baseline's block as 0. week must not precede the baseline week.
func BlockIndex(baseline, week time.Time) int {
	return WeeksBetween(baseline, week) / 2
}

// BlocksFrom returns the first count blocks anchored at baseline.
func BlocksFrom(baseline time.Time, count int) []Block {
	blocks := make([]Block, 0, count)
	for i := 0; i < count; i++ {
		blocks = append(blocks, BlockAt(baseline, i))
	}
	return blocks
}

// =============================================================================
// BUSINESS DAYS - Monday through Friday of a single week
// =============================================================================

// DayMask is a bitmask over the five business days of one week, bit 0 =
// Monday through bit 4 = Friday. Masks built from overlapping date ranges
// can be OR-ed together before counting, so the same day absent for two
// reasons is only counted once.
type DayMask uint8

// FullWeek covers all five business days.
const FullWeek DayMask = 0x1F

// Days returns the number of business days set in the mask.
func (m DayMask) Days() int { return bits.OnesCount8(uint8(m & FullWeek)) }

// Union merges two masks.
func (m DayMask) Union(other DayMask) DayMask { return m | other }

// IsFull reports whether all five business days are set.
func (m DayMask) IsFull() bool { return m&FullWeek == FullWeek }

// WeekdayMask returns the business days of week that fall inside the
// inclusive civil date range [from, to].
func WeekdayMask(week, from, to time.Time) DayMask {
	monday := MondayOf(week)
	f, t := FromCivil(from), FromCivil(to)
	var m DayMask
	for i := 0; i < 5; i++ {
		day := monday.AddDate(0, 0, i)
		if !day.Before(f) && !day.After(t) {
			m |= 1 << i
		}
	}
	return m
}

// BusinessDaysIn returns the five business days of the week containing t.
func BusinessDaysIn(t time.Time) []time.Time {
	monday := MondayOf(t)
	days := make([]time.Time, 5)
	for i := range days {
		days[i] = monday.AddDate(0, 0, i)
	}
	return days
}
