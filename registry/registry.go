// Package registry creates and looks up escrow contracts and routes every
// operation to the component that owns it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/access"
	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/idempotency"
	"escrowflow/milestone"
)

// MilestoneSpec describes one deliverable at creation time.
type MilestoneSpec struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}

// CreateParams carries the terms of a new contract. Deposit must equal Price.
type CreateParams struct {
	ClientID     string          `json:"client_id"`
	FreelancerID string          `json:"freelancer_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Deposit      decimal.Decimal `json:"deposit"`
	Milestones   []MilestoneSpec `json:"milestones,omitempty"`
}

type Registry struct {
	store      contract.Store
	access     *access.Control
	milestones *milestone.Tracker
	escrow     *escrow.Account
	disputes   *dispute.Arbiter
	guard      *idempotency.Guard
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string
}

func New(store contract.Store, ac *access.Control, log zerolog.Logger) *Registry {
	return &Registry{
		store:      store,
		access:     ac,
		milestones: milestone.NewTracker(store, ac),
		escrow:     escrow.NewAccount(store, ac),
		disputes:   dispute.NewArbiter(store, ac),
		log:        log.With().Str("module", "registry").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// WithClock overrides the time source here and in every component.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	r.milestones.WithClock(now)
	r.escrow.WithClock(now)
	r.disputes.WithClock(now)
	return r
}

func (r *Registry) WithIDGenerator(gen func() string) *Registry {
	r.newID = gen
	return r
}

// WithIdempotency enables replay protection for keys carried by the context.
func (r *Registry) WithIdempotency(g *idempotency.Guard) *Registry {
	r.guard = g
	return r
}

func (r *Registry) WithMilestoneAmountPolicy(enforce bool) *Registry {
	r.escrow.WithMilestoneAmountPolicy(enforce)
	return r
}

// CreateContract funds a new contract with the exact price. callerID becomes
// the client when params.ClientID is empty and must match it otherwise.
func (r *Registry) CreateContract(ctx context.Context, callerID string, params CreateParams) (contract.Contract, error) {
	if params.ClientID == "" {
		params.ClientID = callerID
	}
	c, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "create:"+callerID, params, func() (contract.Contract, error) {
		return r.create(ctx, callerID, params)
	})
	r.observe("create_contract", c.ID, callerID, err)
	return c, err
}

func (r *Registry) create(ctx context.Context, callerID string, params CreateParams) (contract.Contract, error) {
	if callerID == "" || callerID != params.ClientID {
		return contract.Contract{}, contract.ErrUnauthorized
	}
	clientID := strings.TrimSpace(params.ClientID)
	freelancerID := strings.TrimSpace(params.FreelancerID)
	if clientID == "" || freelancerID == "" || clientID == freelancerID {
		return contract.Contract{}, contract.ErrInvalidInput
	}
	if !params.Price.IsPositive() || !params.Deposit.Equal(params.Price) {
		return contract.Contract{}, contract.ErrInvalidAmount
	}

	specs := params.Milestones
	if len(specs) == 0 {
		specs = []MilestoneSpec{{Title: params.Title, Amount: params.Price}}
	}
	milestones := make([]contract.Milestone, 0, len(specs))
	total := decimal.Zero
	for i, spec := range specs {
		if !spec.Amount.IsPositive() {
			return contract.Contract{}, contract.ErrInvalidAmount
		}
		total = total.Add(spec.Amount)
		milestones = append(milestones, contract.Milestone{
			ID:          fmt.Sprintf("ms-%d", i+1),
			Title:       strings.TrimSpace(spec.Title),
			Description: spec.Description,
			Amount:      spec.Amount,
			DueDate:     spec.DueDate,
			Status:      contract.MilestonePending,
			PaidAmount:  decimal.Zero,
		})
	}
	if total.GreaterThan(params.Price) {
		return contract.Contract{}, contract.ErrInvalidAmount
	}

	now := r.now()
	c := contract.Contract{
		ID:           r.newID(),
		ClientID:     clientID,
		FreelancerID: freelancerID,
		Title:        strings.TrimSpace(params.Title),
		Description:  params.Description,
		Price:        params.Price,
		Balance:      params.Price,
		Status:       contract.StatusActive,
		Milestones:   milestones,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created := contract.Event{
		Type:    contract.EventContractCreated,
		ActorID: callerID,
		Topic:   contract.TopicContractCreated,
		Payload: map[string]any{
			"client_id":     c.ClientID,
			"freelancer_id": c.FreelancerID,
			"price":         c.Price.String(),
			"milestones":    len(c.Milestones),
		},
	}
	if err := r.store.Insert(ctx, c, []contract.Event{created}); err != nil {
		return contract.Contract{}, err
	}
	return r.store.Get(ctx, c.ID)
}

// GetContract returns the current snapshot of a contract.
func (r *Registry) GetContract(ctx context.Context, contractID string) (contract.Contract, error) {
	return r.store.Get(ctx, contractID)
}

// ViewContract is GetContract restricted to the parties and the arbiter.
func (r *Registry) ViewContract(ctx context.Context, contractID, callerID string) (contract.Contract, error) {
	c, err := r.store.Get(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := r.access.Authorize(c, callerID, access.RoleAnyParty); err != nil {
		return contract.Contract{}, err
	}
	return c, nil
}

// ListContracts returns the contracts callerID is party to, newest first. The
// arbiter sees every contract.
func (r *Registry) ListContracts(ctx context.Context, callerID string, filter contract.ListFilter) ([]contract.Contract, error) {
	if callerID == "" {
		return nil, contract.ErrUnauthorized
	}
	if !r.access.IsArbiter(callerID) {
		filter.PartyID = callerID
	}
	return r.store.List(ctx, filter)
}

// Timeline returns the audit trail of a contract.
func (r *Registry) Timeline(ctx context.Context, contractID, callerID string) ([]contract.Event, error) {
	if _, err := r.ViewContract(ctx, contractID, callerID); err != nil {
		return nil, err
	}
	return r.store.Timeline(ctx, contractID)
}

func (r *Registry) SubmitMilestone(ctx context.Context, contractID, milestoneID, workRef, callerID string) (contract.Milestone, error) {
	req := map[string]string{"contract_id": contractID, "milestone_id": milestoneID, "work_reference": workRef}
	m, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "submit:"+callerID, req, func() (contract.Milestone, error) {
		c, err := r.milestones.Submit(ctx, contractID, milestoneID, workRef, callerID)
		return pick(c, milestoneID, err)
	})
	r.observe("submit_milestone", contractID, callerID, err)
	return m, err
}

func (r *Registry) ApproveMilestone(ctx context.Context, contractID, milestoneID, callerID string) (contract.Milestone, error) {
	req := map[string]string{"contract_id": contractID, "milestone_id": milestoneID}
	m, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "approve:"+callerID, req, func() (contract.Milestone, error) {
		c, err := r.milestones.Approve(ctx, contractID, milestoneID, callerID)
		return pick(c, milestoneID, err)
	})
	r.observe("approve_milestone", contractID, callerID, err)
	return m, err
}

func (r *Registry) ReleasePayment(ctx context.Context, contractID, milestoneID string, amount decimal.Decimal, callerID string) (contract.Milestone, error) {
	req := map[string]string{"contract_id": contractID, "milestone_id": milestoneID, "amount": amount.String()}
	m, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "release:"+callerID, req, func() (contract.Milestone, error) {
		c, err := r.escrow.Release(ctx, contractID, milestoneID, amount, callerID)
		return pick(c, milestoneID, err)
	})
	r.observe("release_payment", contractID, callerID, err)
	return m, err
}

func (r *Registry) RaiseDispute(ctx context.Context, contractID, reason, callerID string) (contract.Dispute, error) {
	req := map[string]string{"contract_id": contractID, "reason": reason}
	d, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "raise:"+callerID, req, func() (contract.Dispute, error) {
		c, err := r.disputes.Raise(ctx, contractID, reason, callerID)
		return disputeOf(c, err)
	})
	r.observe("raise_dispute", contractID, callerID, err)
	return d, err
}

func (r *Registry) ResolveDispute(ctx context.Context, contractID string, clientWins bool, resolution, callerID string) (contract.Dispute, error) {
	req := map[string]any{"contract_id": contractID, "client_wins": clientWins, "resolution": resolution}
	d, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "resolve:"+callerID, req, func() (contract.Dispute, error) {
		c, err := r.disputes.Resolve(ctx, contractID, clientWins, resolution, callerID)
		return disputeOf(c, err)
	})
	r.observe("resolve_dispute", contractID, callerID, err)
	return d, err
}

func (r *Registry) GetDispute(ctx context.Context, contractID, callerID string) (contract.Dispute, error) {
	return r.disputes.Get(ctx, contractID, callerID)
}

func (r *Registry) ListOpenDisputes(ctx context.Context, callerID string, limit int) ([]contract.Dispute, error) {
	return r.disputes.ListOpen(ctx, callerID, limit)
}

// CancelContract terminates an active contract and refunds the remaining
// balance to the client. Any party or the arbiter may cancel.
func (r *Registry) CancelContract(ctx context.Context, contractID, callerID string) (contract.Contract, error) {
	req := map[string]string{"contract_id": contractID}
	c, err := idempotency.Do(ctx, r.guard, idempotency.KeyFrom(ctx), "cancel:"+callerID, req, func() (contract.Contract, error) {
		return r.store.Update(ctx, contractID, func(c *contract.Contract) ([]contract.Event, error) {
			if err := r.access.Authorize(*c, callerID, access.RoleAnyParty); err != nil {
				return nil, err
			}
			if err := contract.RequireActive(*c); err != nil {
				return nil, err
			}
			at := r.now()
			c.Status = contract.StatusCancelled
			cancelled := contract.Event{
				Type:    contract.EventContractCancelled,
				ActorID: callerID,
				Payload: map[string]any{"refund": c.Balance.String()},
			}
			return []contract.Event{cancelled, escrow.Drain(c, c.ClientID, contract.SettlementCancellation, callerID, at)}, nil
		})
	})
	r.observe("cancel_contract", contractID, callerID, err)
	return c, err
}

func pick(c contract.Contract, milestoneID string, err error) (contract.Milestone, error) {
	if err != nil {
		return contract.Milestone{}, err
	}
	m, ok := c.Milestone(milestoneID)
	if !ok {
		return contract.Milestone{}, contract.ErrNotFound
	}
	return *m, nil
}

func disputeOf(c contract.Contract, err error) (contract.Dispute, error) {
	if err != nil {
		return contract.Dispute{}, err
	}
	if c.Dispute == nil {
		return contract.Dispute{}, contract.ErrNotFound
	}
	return *c.Dispute, nil
}

func (r *Registry) observe(operation, contractID, callerID string, err error) {
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = r.log.Info().Str("outcome", "success")
	case contract.IsBusiness(err),
		errors.Is(err, idempotency.ErrConflict),
		errors.Is(err, idempotency.ErrInFlight):
		ev = r.log.Warn().Str("outcome", "rejected").Str("reason", err.Error())
	default:
		ev = r.log.Error().Str("outcome", "failure").Err(err)
	}
	ev.Str("operation", operation).
		Str("contract_id", contractID).
		Str("caller_id", callerID).
		Msg("escrow operation")
}
