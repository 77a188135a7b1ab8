// Package dispute owns the dispute lifecycle: either party raises one while
// the contract is active, the arbiter resolves it exactly once and the
// remaining balance goes to the winner.
package dispute

import (
	"context"
	"strings"
	"time"

	"escrowflow/access"
	"escrowflow/contract"
	"escrowflow/escrow"
)

type Arbiter struct {
	store  contract.Store
	access *access.Control
	now    func() time.Time
}

func NewArbiter(store contract.Store, ac *access.Control) *Arbiter {
	return &Arbiter{
		store:  store,
		access: ac,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	a.now = now
	return a
}

// Raise opens the contract's dispute and freezes milestone operations.
func (a *Arbiter) Raise(ctx context.Context, contractID, reason, callerID string) (contract.Contract, error) {
	reason = strings.TrimSpace(reason)
	return a.store.Update(ctx, contractID, func(c *contract.Contract) ([]contract.Event, error) {
		if err := a.access.Authorize(*c, callerID, access.RoleClientOrFreelancer); err != nil {
			return nil, err
		}
		if c.Status != contract.StatusActive {
			return nil, contract.ErrInvalidStateTransition
		}
		if reason == "" {
			return nil, contract.ErrInvalidInput
		}

		c.Status = contract.StatusDisputed
		c.Dispute = &contract.Dispute{
			ContractID:  c.ID,
			InitiatorID: callerID,
			Reason:      reason,
			Status:      contract.DisputeOpen,
			RaisedAt:    a.now(),
		}
		return []contract.Event{{
			Type:    contract.EventDisputeRaised,
			ActorID: callerID,
			Payload: map[string]any{"reason": reason},
		}}, nil
	})
}

// Resolve settles the open dispute: the whole balance goes to the client when
// clientWins is true, to the freelancer otherwise, and the contract completes.
func (a *Arbiter) Resolve(ctx context.Context, contractID string, clientWins bool, resolution, callerID string) (contract.Contract, error) {
	resolution = strings.TrimSpace(resolution)
	return a.store.Update(ctx, contractID, func(c *contract.Contract) ([]contract.Event, error) {
		if err := a.access.Authorize(*c, callerID, access.RoleArbiter); err != nil {
			return nil, err
		}
		if c.Dispute == nil {
			return nil, contract.ErrInvalidStateTransition
		}
		if c.Dispute.Status == contract.DisputeResolved {
			return nil, contract.ErrAlreadyResolved
		}

		outcome, winner := contract.OutcomeFreelancerWins, c.FreelancerID
		if clientWins {
			outcome, winner = contract.OutcomeClientWins, c.ClientID
		}

		at := a.now()
		c.Dispute.Status = contract.DisputeResolved
		c.Dispute.Outcome = outcome
		c.Dispute.ResolverID = callerID
		c.Dispute.Resolution = resolution
		c.Dispute.ResolvedAt = &at
		c.Status = contract.StatusCompleted

		resolved := contract.Event{
			Type:    contract.EventDisputeResolved,
			ActorID: callerID,
			Payload: map[string]any{
				"outcome":    string(outcome),
				"resolution": resolution,
			},
		}
		return []contract.Event{resolved, escrow.Drain(c, winner, contract.SettlementDispute, callerID, at)}, nil
	})
}

// Get returns the contract's dispute to a party or the arbiter.
func (a *Arbiter) Get(ctx context.Context, contractID, callerID string) (contract.Dispute, error) {
	c, err := a.store.Get(ctx, contractID)
	if err != nil {
		return contract.Dispute{}, err
	}
	if err := a.access.Authorize(c, callerID, access.RoleAnyParty); err != nil {
		return contract.Dispute{}, err
	}
	if c.Dispute == nil {
		return contract.Dispute{}, contract.ErrNotFound
	}
	return *c.Dispute, nil
}

// ListOpen returns the disputes awaiting resolution. Only the arbiter may
// call it.
func (a *Arbiter) ListOpen(ctx context.Context, callerID string, limit int) ([]contract.Dispute, error) {
	if !a.access.IsArbiter(callerID) {
		return nil, contract.ErrUnauthorized
	}
	contracts, err := a.store.List(ctx, contract.ListFilter{Status: contract.StatusDisputed, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]contract.Dispute, 0, len(contracts))
	for _, c := range contracts {
		if c.Dispute != nil && c.Dispute.Status == contract.DisputeOpen {
			out = append(out, *c.Dispute)
		}
	}
	return out, nil
}
