/*
errors.go - Fault taxonomy for the allocation engine

PURPOSE:
  All error types in one place. Every failure that can cross the engine
  boundary is classified into a FaultKind so the HTTP layer can map it to
  a status code without inspecting error strings.

ERROR CATEGORIES:
  1. Faults - classified engine failures (what the caller sees)
  2. Store errors - backend-level failures (what adapters return)

USAGE:
  Callers branch on kind, not message:

    if engine.KindOf(err) == engine.FaultNoAvailability {
        ...
    }

  or with sentinels:

    if errors.Is(err, engine.ErrNoAvailability) {
        ...
    }

SEE ALSO:
  - allocator.go: produces faults from store and CRM failures
  - api/handlers.go: maps FaultKind to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned when the request payload fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDealNotFound is returned when the referenced CRM deal does not exist.
	ErrDealNotFound = errors.New("deal not found")

	// ErrNoEligibleAdvisers is returned when no adviser matches the deal's
	// service package and household type.
	ErrNoEligibleAdvisers = errors.New("no eligible advisers")

	// ErrNoAvailability is returned when eligible advisers exist but none has
	// a free week within the scan horizon.
	ErrNoAvailability = errors.New("no availability within horizon")

	// ErrStoreUnavailable is returned when a backing store cannot be reached
	// or refuses the operation.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCrmUnavailable is returned when the CRM keeps failing transiently
	// after retries are exhausted.
	ErrCrmUnavailable = errors.New("crm unavailable")

	// ErrCrmUpdateFailed is returned when the CRM permanently rejects the
	// deal owner update.
	ErrCrmUpdateFailed = errors.New("crm update failed")

	// ErrInternal is returned for failures with no better classification.
	ErrInternal = errors.New("internal error")
)

// =============================================================================
// FAULTS - Classified engine failures
// =============================================================================

type FaultKind string

const (
	FaultInvalidInput       FaultKind = "invalid_input"
	FaultDealNotFound       FaultKind = "deal_not_found"
	FaultNoEligibleAdvisers FaultKind = "no_eligible_advisers"
	FaultNoAvailability     FaultKind = "no_availability"
	FaultStoreUnavailable   FaultKind = "store_unavailable"
	FaultCrmUnavailable     FaultKind = "crm_unavailable"
	FaultCrmUpdateFailed    FaultKind = "crm_update_failed"
	FaultInternal           FaultKind = "internal"
)

var faultSentinels = map[FaultKind]error{
	FaultInvalidInput:       ErrInvalidInput,
	FaultDealNotFound:       ErrDealNotFound,
	FaultNoEligibleAdvisers: ErrNoEligibleAdvisers,
	FaultNoAvailability:     ErrNoAvailability,
	FaultStoreUnavailable:   ErrStoreUnavailable,
	FaultCrmUnavailable:     ErrCrmUnavailable,
	FaultCrmUpdateFailed:    ErrCrmUpdateFailed,
	FaultInternal:           ErrInternal,
}

// Fault carries a classified failure across the engine boundary. Op names
// the operation that failed ("allocator.rank", "store.GetDeal"), Detail is
// safe to surface to API clients, Err is the underlying cause. Details
// optionally carries per-item context (e.g. one line per adviser explaining
// why nobody had a free week).
type Fault struct {
	Kind    FaultKind
	Op      string
	Detail  string
	Details map[string]string
	Err     error
}

func (e *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Fault) Unwrap() error { return e.Err }

// Is lets errors.Is match a fault against its kind's sentinel while Unwrap
// keeps the cause chain intact.
func (e *Fault) Is(target error) bool { return faultSentinels[e.Kind] == target }

// NewFault builds a fault with a caller-facing detail message.
func NewFault(kind FaultKind, op, detail string) *Fault {
	return &Fault{Kind: kind, Op: op, Detail: detail}
}

// WrapFault classifies an underlying error.
func WrapFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// =============================================================================
// STORE ERRORS - Returned by store adapters, classified by the engine
// =============================================================================

type StoreErrorKind string

const (
	StoreUnavailable      StoreErrorKind = "unavailable"
	StorePermissionDenied StoreErrorKind = "permission_denied"
	StoreNotFound         StoreErrorKind = "not_found"
	StoreConflict         StoreErrorKind = "conflict"
	StoreInvalidArgument  StoreErrorKind = "invalid_argument"
)

// StoreError is the uniform failure shape for every store backend, so the
// engine never has to recognize driver-specific errors.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError builds a classified store failure.
func NewStoreError(kind StoreErrorKind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// StoreKindOf extracts the store error kind, or "" for non-store errors.
func StoreKindOf(err error) StoreErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsStoreNotFound reports whether err is a store-level missing row. Optional
// reads coerce this to an empty result instead of failing.
func IsStoreNotFound(err error) bool { return StoreKindOf(err) == StoreNotFound }

// StoreFault classifies a store failure for callers. Missing rows stay
// store-level (the caller decides whether absence is an error); everything
// else becomes a store-unavailable fault.
func StoreFault(op string, err error) *Fault {
	switch StoreKindOf(err) {
	case StoreInvalidArgument:
		return WrapFault(FaultInvalidInput, op, err)
	default:
		return WrapFault(FaultStoreUnavailable, op, err)
	}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf extracts the fault kind, defaulting to FaultInternal for
// unclassified errors and "" for nil.
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultInternal
}

// IsClientError returns true if the failure is the caller's to fix.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case FaultInvalidInput, FaultDealNotFound, FaultNoEligibleAdvisers, FaultNoAvailability:
		return true
	default:
		return false
	}
}

// IsRetryable returns true if the same request might succeed later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case FaultStoreUnavailable, FaultCrmUnavailable:
		return true
	default:
		return false
	}
}
