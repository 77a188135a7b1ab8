// Package milestone owns the per-milestone lifecycle: the freelancer submits a
// work reference, the client approves it.
package milestone

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"escrowflow/access"
	"escrowflow/contract"
)

// Tracker moves milestones from pending to submitted to approved. Payment is
// the escrow package's concern.
type Tracker struct {
	store  contract.Store
	access *access.Control
	now    func() time.Time
}

func NewTracker(store contract.Store, ac *access.Control) *Tracker {
	return &Tracker{
		store:  store,
		access: ac,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for testing.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Submit records the freelancer's work reference on a pending milestone.
func (t *Tracker) Submit(ctx context.Context, contractID, milestoneID, workRef, callerID string) (contract.Contract, error) {
	workRef = strings.TrimSpace(workRef)
	return t.store.Update(ctx, contractID, func(c *contract.Contract) ([]contract.Event, error) {
		m, err := t.gate(c, milestoneID, callerID, access.RoleFreelancer, contract.MilestonePending)
		if err != nil {
			return nil, err
		}
		if workRef == "" {
			return nil, contract.ErrInvalidInput
		}

		at := t.now()
		m.Status = contract.MilestoneSubmitted
		m.WorkReference = workRef
		m.SubmittedAt = &at

		return []contract.Event{{
			Type:    contract.EventMilestoneSubmit,
			ActorID: callerID,
			Payload: map[string]any{
				"milestone_id":   m.ID,
				"work_reference": workRef,
			},
		}}, nil
	})
}

// Approve accepts a submitted milestone on behalf of the client.
func (t *Tracker) Approve(ctx context.Context, contractID, milestoneID, callerID string) (contract.Contract, error) {
	return t.store.Update(ctx, contractID, func(c *contract.Contract) ([]contract.Event, error) {
		m, err := t.gate(c, milestoneID, callerID, access.RoleClient, contract.MilestoneSubmitted)
		if err != nil {
			return nil, err
		}

		at := t.now()
		m.Status = contract.MilestoneApproved
		m.ApprovedAt = &at

		return []contract.Event{{
			Type:    contract.EventMilestoneApproved,
			ActorID: callerID,
			Payload: map[string]any{"milestone_id": m.ID},
		}}, nil
	})
}

// gate applies the shared checks in order: role, contract status, milestone
// existence, expected milestone status.
func (t *Tracker) gate(c *contract.Contract, milestoneID, callerID string, role access.Role, want contract.MilestoneStatus) (*contract.Milestone, error) {
	if err := t.access.Authorize(*c, callerID, role); err != nil {
		return nil, err
	}
	if err := contract.RequireActive(*c); err != nil {
		return nil, err
	}
	m, ok := c.Milestone(milestoneID)
	if !ok {
		return nil, contract.ErrNotFound
	}
	if m.Status != want {
		return nil, contract.ErrInvalidStateTransition
	}
	return m, nil
}

// Fingerprint returns the 0x-prefixed Keccak-256 digest of deliverable content
// for use as a work reference.
func Fingerprint(content []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(content)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
