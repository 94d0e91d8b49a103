/*
Package crm talks to the CRM that owns advisers, deals and meetings.

PURPOSE:
  Implements the read side the allocation gateway needs (advisers,
  meetings, deals awaiting their first Clarify) and the single write the
  allocator performs (pointing a deal at its new adviser).

IMPLEMENTATIONS:
  - hubspot.go: REST client against a HubSpot-style v3 API
  - fixture.go: in-memory client for dev mode and tests

ERROR CONTRACT:
  Read methods return *engine.StoreError (StoreNotFound for a missing
  deal, StoreUnavailable for transport trouble) so the gateway can pass
  them straight through. SetDealOwner returns *engine.Fault classified
  as FaultCrmUnavailable (transient, retries exhausted) or
  FaultCrmUpdateFailed (permanent rejection), matching the
  engine.DealWriter contract.
*/
package crm

import (
	"context"
	"time"

	"github.com/meridian/allocation-engine/engine"
)

// Client is the CRM surface the allocation system consumes.
type Client interface {
	// GetDeal fetches one deal by record id.
	GetDeal(ctx context.Context, id engine.DealID) (engine.Deal, error)

	// ListAdvisers returns every adviser profile, including advisers not
	// currently taking on clients. Filtering happens in the gateway.
	ListAdvisers(ctx context.Context) ([]engine.Adviser, error)

	// ListMeetings returns the adviser's meetings with days in [from, to].
	ListMeetings(ctx context.Context, adviserID engine.AdviserID, from, to time.Time) ([]engine.Meeting, error)

	// ListDealsWithoutFirstMeeting returns the adviser's deals that have no
	// Clarify meeting yet and whose agreement date is nil or before the
	// given day.
	ListDealsWithoutFirstMeeting(ctx context.Context, adviserEmail string, before time.Time) ([]engine.Deal, error)

	// SetDealOwner writes the allocation decision onto the deal.
	SetDealOwner(ctx context.Context, dealID engine.DealID, ownerID string) error
}
