/*
Package engine contains the deal allocation core.

PURPOSE:
  This package decides which adviser receives a new deal and when that
  adviser can first serve it. It turns raw CRM and HR facts (meetings,
  deals, leave, closures, capacity overrides) into per-week capacity
  schedules, scans those schedules for the earliest available week, and
  ranks eligible advisers against each other.

KEY CONCEPTS IN THIS FILE (types.go):
  - Adviser/Deal/Meeting: CRM-shaped domain records
  - LeaveRequest/OfficeClosure: sources of out-of-office time
  - CapacityOverride: dated replacement of an adviser's monthly limit
  - CapacityRow/Schedule: one adviser's computed week-by-week outlook
  - AllocationRecord: the persisted outcome of an allocation decision

DESIGN PRINCIPLES:
  1. Civil dates only: every date is a midnight-UTC day, weeks are Mondays
  2. Determinism: same inputs always produce the same adviser and week
  3. Precision: ranking ratios use decimal.Decimal, never float64
  4. Type safety: adviser, deal and employee IDs are distinct types

SEE ALSO:
  - capacity.go: weekly targets, OOO classification, carry-forward
  - selector.go: earliest-week scan over fortnight blocks
  - allocator.go: end-to-end allocation flow and ranking
  - errors.go: fault taxonomy shared with the HTTP layer
*/
package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AdviserID string
type DealID string
type EmployeeID string

// PodType describes how an adviser's book is staffed. The set is open:
// unknown values coming from the CRM are carried through untouched.
type PodType string

const (
	PodSolo   PodType = "solo"
	PodTeam   PodType = "team"
	PodHybrid PodType = "hybrid"
)

// =============================================================================
// ADVISERS AND DEALS
// =============================================================================

// Adviser is a CRM user who can take on clients. ServicePackages and
// HouseholdTypes hold normalized (lowercased, deduplicated) tags.
type Adviser struct {
	ID                 AdviserID
	OwnerID            string // CRM owner id written onto allocated deals
	Email              string
	Name               string
	ServicePackages    []string
	HouseholdTypes     []string
	PodType            PodType
	ClientLimitMonthly int
	StartDate          *time.Time // nil when the CRM has no start date
	TakingOnClients    bool
}

// Serves reports whether the adviser covers the given service package.
func (a Adviser) Serves(pkg string) bool {
	want := strings.ToLower(strings.TrimSpace(pkg))
	return lo.ContainsBy(a.ServicePackages, func(p string) bool { return p == want })
}

// AcceptsHousehold reports whether the adviser can take the given household
// type. An adviser with no household tags accepts any household, and an
// empty household on the deal side matches every adviser.
func (a Adviser) AcceptsHousehold(ht string) bool {
	want := strings.ToLower(strings.TrimSpace(ht))
	if want == "" || len(a.HouseholdTypes) == 0 {
		return true
	}
	return lo.ContainsBy(a.HouseholdTypes, func(h string) bool { return h == want })
}

// Deal is the CRM object being allocated.
type Deal struct {
	ID                 DealID
	ServicePackage     string
	HouseholdType      string
	AgreementStartDate *time.Time // nil = signed before tracking began
	OwnerID            string
	AdviserEmail       string
	HasClarify         bool
}

// MeetingKind classifies CRM meetings by activity type.
type MeetingKind string

const (
	KindClarify MeetingKind = "clarify"
	KindKickOff MeetingKind = "kick_off"
	KindOther   MeetingKind = "other"
)

// Meeting is a scheduled CRM meeting, reduced to the civil day it occupies.
type Meeting struct {
	AdviserID AdviserID
	Kind      MeetingKind
	Day       time.Time
	DealID    DealID
}

// =============================================================================
// OUT-OF-OFFICE SOURCES
// =============================================================================

// LeaveRequest is an approved HR absence, inclusive of both endpoints.
type LeaveRequest struct {
	EmployeeID EmployeeID
	StartDate  time.Time
	EndDate    time.Time
	Status     string
}

// OfficeClosure blocks days for one adviser or, when AdviserEmail is empty,
// for everyone.
type OfficeClosure struct {
	ID           string
	StartDate    time.Time
	EndDate      time.Time
	Description  string
	Tags         []string
	AdviserEmail string
}

// Global reports whether the closure applies to all advisers.
func (c OfficeClosure) Global() bool { return c.AdviserEmail == "" }

// CapacityOverride replaces an adviser's monthly client limit from its
// effective date onward. The override with the latest effective date not
// after the week in question wins.
type CapacityOverride struct {
	ID                 string
	AdviserEmail       string
	EffectiveDate      time.Time
	ClientLimitMonthly int
	PodType            PodType
	Notes              string
}

// =============================================================================
// WEEKLY CAPACITY
// =============================================================================

// OOOKind classifies how much of a week's business days an adviser misses.
type OOOKind int

const (
	OOONone OOOKind = iota
	OOOPartial
	OOOFull
)

// OOOState is the merged out-of-office picture for one adviser week.
// MissedDays counts distinct business days, so overlapping leave and
// closures never double-count a day.
type OOOState struct {
	Kind       OOOKind
	MissedDays int
}

func (s OOOState) String() string {
	switch s.Kind {
	case OOOFull:
		return "Full"
	case OOOPartial:
		return fmt.Sprintf("Partial: %d", s.MissedDays)
	default:
		return "None"
	}
}

// CapacityRow is one week of an adviser's schedule.
type CapacityRow struct {
	Anchor       time.Time // Monday of the week
	Label        string    // ISO week label, e.g. "2026-W05"
	ClarifyCount int
	KickoffCount int
	NewDealCount int // deals without a Clarify whose agreement week is this week
	OOO          OOOState
	Target       int
	CarryIn      int // backlog drained into this week
	Actual       int // ClarifyCount + CarryIn
	Difference   int // Actual - Target
}

// BlockDrain records how the rolling backlog moved through one fortnight.
type BlockDrain struct {
	First        time.Time // Monday of the block's first week
	Added        int       // new deals that joined the backlog in this block
	Spare        int       // unused fortnight capacity before draining
	Drained      int
	BacklogAfter int
}

// Schedule is the full capacity outlook for one adviser from the baseline
// week to the scan horizon.
type Schedule struct {
	AdviserEmail   string
	Baseline       time.Time
	InitialBacklog int
	Rows           []CapacityRow
	Blocks         []BlockDrain
}

// Row returns the schedule row for the week containing day, if present.
func (s *Schedule) Row(day time.Time) (CapacityRow, bool) {
	for _, r := range s.Rows {
		if r.Anchor.Equal(day) {
			return r, true
		}
	}
	return CapacityRow{}, false
}

// ClarifiesThrough sums booked Clarify meetings from the baseline through
// the week containing end, inclusive. Used by allocation ranking.
func (s *Schedule) ClarifiesThrough(end time.Time) int {
	total := 0
	for _, r := range s.Rows {
		if r.Anchor.After(end) {
			break
		}
		total += r.ClarifyCount
	}
	return total
}

// =============================================================================
// ALLOCATION REQUESTS AND OUTCOMES
// =============================================================================

// AllocationRequest is the webhook payload after validation.
type AllocationRequest struct {
	DealID             DealID
	ServicePackage     string
	HouseholdType      string
	AgreementStartDate *time.Time
	ClientEmail        string
	RequesterIP        string
	UserAgent          string
}

// RecordStatus marks whether an allocation attempt succeeded.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordFailed  RecordStatus = "failed"
)

// AllocationRecord is the persisted outcome of an allocation attempt.
// Successful records are unique per deal; re-running the same deal
// overwrites the previous decision under the original record id.
type AllocationRecord struct {
	ID             string
	DealID         DealID
	AdviserID      AdviserID
	AdviserEmail   string
	ServicePackage string
	HouseholdType  string
	EarliestWeek   time.Time
	WeekLabel      string
	DecidedAt      time.Time
	Status         RecordStatus
	ErrorMessage   string
	RequesterIP    string
	UserAgent      string
	Extra          map[string]string
}

// Candidate is one eligible adviser with their computed availability,
// carried through ranking and into diagnostics.
type Candidate struct {
	Adviser     Adviser
	Week        time.Time
	WeekLabel   string
	Ratio       decimal.Decimal
	Schedule    *Schedule
	Unavailable bool
	Reason      string // set when Unavailable, e.g. "no spare capacity within horizon"
}

// AllocationResult bundles the persisted record with the ranked field of
// candidates that produced it.
type AllocationResult struct {
	Record     AllocationRecord
	Candidates []Candidate
}

// =============================================================================
// TAG NORMALIZATION
// =============================================================================

var multiValueSep = regexp.MustCompile(`[;,/|]+`)

// SplitTags breaks a CRM multi-value property ("HNW; IPO / Retiree") into
// normalized tags: lowercased, trimmed, deduplicated, original order kept.
func SplitTags(raw string) []string {
	parts := multiValueSep.Split(raw, -1)
	tags := lo.FilterMap(parts, func(p string, _ int) (string, bool) {
		t := strings.ToLower(strings.TrimSpace(p))
		return t, t != ""
	})
	return lo.Uniq(tags)
}

// NormalizeTag lowercases and trims a single tag.
func NormalizeTag(raw string) string { return strings.ToLower(strings.TrimSpace(raw)) }
