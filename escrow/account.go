// Package escrow owns the contract balance: milestone releases and the
// terminal drain performed by dispute resolution or cancellation.
package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/access"
	"escrowflow/contract"
)

// Account releases escrowed funds against approved milestones.
type Account struct {
	store                  contract.Store
	access                 *access.Control
	now                    func() time.Time
	enforceMilestoneAmount bool
}

func NewAccount(store contract.Store, ac *access.Control) *Account {
	return &Account{
		store:  store,
		access: ac,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *Account) WithClock(now func() time.Time) *Account {
	a.now = now
	return a
}

// WithMilestoneAmountPolicy rejects releases whose amount differs from the
// milestone's declared amount.
func (a *Account) WithMilestoneAmountPolicy(enforce bool) *Account {
	a.enforceMilestoneAmount = enforce
	return a
}

// Balance returns the funds still held for contractID.
func (a *Account) Balance(ctx context.Context, contractID string) (decimal.Decimal, error) {
	c, err := a.store.Get(ctx, contractID)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Balance, nil
}

// Release pays amount to the freelancer against an approved milestone and
// queues a transfer instruction for it. The payment that leaves every
// milestone paid and the balance empty completes the contract.
func (a *Account) Release(ctx context.Context, contractID, milestoneID string, amount decimal.Decimal, callerID string) (contract.Contract, error) {
	return a.store.Update(ctx, contractID, func(c *contract.Contract) ([]contract.Event, error) {
		if err := a.access.Authorize(*c, callerID, access.RoleClient); err != nil {
			return nil, err
		}
		if err := contract.RequireActive(*c); err != nil {
			return nil, err
		}
		m, ok := c.Milestone(milestoneID)
		if !ok {
			return nil, contract.ErrNotFound
		}
		switch m.Status {
		case contract.MilestonePaid:
			return nil, contract.ErrAlreadyPaid
		case contract.MilestoneApproved:
		default:
			return nil, contract.ErrInvalidStateTransition
		}
		if !amount.IsPositive() {
			return nil, contract.ErrInvalidAmount
		}
		if amount.GreaterThan(c.Balance) {
			return nil, contract.ErrInsufficientBalance
		}
		if a.enforceMilestoneAmount && !amount.Equal(m.Amount) {
			return nil, contract.ErrInvalidAmount
		}

		at := a.now()
		c.Balance = c.Balance.Sub(amount)
		m.Status = contract.MilestonePaid
		m.PaidAmount = amount
		m.PaidAt = &at

		events := []contract.Event{{
			Type:    contract.EventPaymentReleased,
			ActorID: callerID,
			Topic:   contract.TopicReleaseAuthorized,
			Payload: map[string]any{
				"milestone_id": m.ID,
				"recipient_id": c.FreelancerID,
				"amount":       amount.String(),
				"balance":      c.Balance.String(),
			},
		}}
		if fullyPaid(*c) {
			events = append(events, complete(c, callerID, at))
		}
		return events, nil
	})
}

func fullyPaid(c contract.Contract) bool {
	if !c.Balance.IsZero() {
		return false
	}
	for _, m := range c.Milestones {
		if m.Status != contract.MilestonePaid {
			return false
		}
	}
	return true
}

// complete closes a contract whose funds were all paid out through
// milestones. The empty settlement keeps terminal records uniform; nothing
// is left to transfer, so the event carries no instruction.
func complete(c *contract.Contract, actorID string, at time.Time) contract.Event {
	c.Status = contract.StatusCompleted
	c.Settlement = &contract.Settlement{
		Reason:      contract.SettlementCompletion,
		RecipientID: c.FreelancerID,
		Amount:      decimal.Zero,
		SettledAt:   at,
	}
	return contract.Event{
		Type:    contract.EventContractCompleted,
		ActorID: actorID,
		Payload: map[string]any{
			"reason":   string(contract.SettlementCompletion),
			"released": c.Released().String(),
		},
	}
}

// Drain moves the whole remaining balance into a settlement for recipientID.
// It runs inside another component's mutation so the drain and the status
// change land in one write. The returned event carries the transfer
// instruction.
func Drain(c *contract.Contract, recipientID string, reason contract.SettlementReason, actorID string, at time.Time) contract.Event {
	amount := c.Balance
	c.Balance = decimal.Zero
	c.Settlement = &contract.Settlement{
		Reason:      reason,
		RecipientID: recipientID,
		Amount:      amount,
		SettledAt:   at,
	}
	return contract.Event{
		Type:    contract.EventSettlement,
		ActorID: actorID,
		Topic:   contract.TopicSettlementAuthorized,
		Payload: map[string]any{
			"reason":       string(reason),
			"recipient_id": recipientID,
			"amount":       amount.String(),
		},
	}
}
