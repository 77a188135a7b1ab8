package contract

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of an escrow contract.
type Status string

const (
	StatusActive    Status = "active"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MilestoneStatus follows pending -> submitted -> approved -> paid.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestonePaid      MilestoneStatus = "paid"
)

var milestoneOrder = map[MilestoneStatus]int{
	MilestonePending:   0,
	MilestoneSubmitted: 1,
	MilestoneApproved:  2,
	MilestonePaid:      3,
}

// Next returns the only status a milestone may move to from s.
func (s MilestoneStatus) Next() (MilestoneStatus, bool) {
	switch s {
	case MilestonePending:
		return MilestoneSubmitted, true
	case MilestoneSubmitted:
		return MilestoneApproved, true
	case MilestoneApproved:
		return MilestonePaid, true
	default:
		return "", false
	}
}

// Rank is the position of s in the milestone lifecycle, or -1 when unknown.
func (s MilestoneStatus) Rank() int {
	r, ok := milestoneOrder[s]
	if !ok {
		return -1
	}
	return r
}

// DisputeStatus represents the lifecycle of a dispute record.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Outcome is the binary settlement decision made by the arbiter.
type Outcome string

const (
	OutcomeClientWins     Outcome = "client_wins"
	OutcomeFreelancerWins Outcome = "freelancer_wins"
)

// SettlementReason records why the balance was drained.
type SettlementReason string

const (
	SettlementDispute      SettlementReason = "dispute"
	SettlementCancellation SettlementReason = "cancellation"
	SettlementCompletion   SettlementReason = "completion"
)

// Milestone is a deliverable unit with its own amount and approval lifecycle.
type Milestone struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	Status        MilestoneStatus `json:"status"`
	WorkReference string          `json:"work_reference,omitempty"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
}

// Dispute is created once per contract and resolved exactly once.
type Dispute struct {
	ContractID  string        `json:"contract_id"`
	InitiatorID string        `json:"initiator_id"`
	Reason      string        `json:"reason"`
	Status      DisputeStatus `json:"status"`
	Outcome     Outcome       `json:"outcome,omitempty"`
	ResolverID  string        `json:"resolver_id,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	RaisedAt    time.Time     `json:"raised_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// Settlement captures the terminal disbursement of the remaining balance.
type Settlement struct {
	Reason      SettlementReason `json:"reason"`
	RecipientID string           `json:"recipient_id"`
	Amount      decimal.Decimal  `json:"amount"`
	SettledAt   time.Time        `json:"settled_at"`
}

// Contract is the escrow aggregate. It is persisted as a single record and
// mutated only through Store.Update.
type Contract struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	FreelancerID string          `json:"freelancer_id"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Balance      decimal.Decimal `json:"balance"`
	Status       Status          `json:"status"`
	Milestones   []Milestone     `json:"milestones"`
	Dispute      *Dispute        `json:"dispute,omitempty"`
	Settlement   *Settlement     `json:"settlement,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Milestone returns a pointer into c.Milestones for in-place mutation.
func (c *Contract) Milestone(id string) (*Milestone, bool) {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i], true
		}
	}
	return nil, false
}

// Released sums the amounts released against paid milestones.
func (c Contract) Released() decimal.Decimal {
	total := decimal.Zero
	for _, m := range c.Milestones {
		if m.Status == MilestonePaid {
			total = total.Add(m.PaidAmount)
		}
	}
	return total
}

// Clone returns a deep copy safe to mutate independently of c.
func (c Contract) Clone() Contract {
	out := c
	out.Milestones = make([]Milestone, len(c.Milestones))
	for i, m := range c.Milestones {
		m.DueDate = cloneTime(m.DueDate)
		m.SubmittedAt = cloneTime(m.SubmittedAt)
		m.ApprovedAt = cloneTime(m.ApprovedAt)
		m.PaidAt = cloneTime(m.PaidAt)
		out.Milestones[i] = m
	}
	if c.Dispute != nil {
		d := *c.Dispute
		d.ResolvedAt = cloneTime(d.ResolvedAt)
		out.Dispute = &d
	}
	if c.Settlement != nil {
		s := *c.Settlement
		out.Settlement = &s
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Event is an immutable business event appended to the contract timeline.
// Events carrying a Topic are also enqueued on the outbox for the transfer layer.
type Event struct {
	ContractID string         `json:"contract_id"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id,omitempty"`
	Topic      string         `json:"topic,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Seq        int            `json:"seq"`
	CreatedAt  time.Time      `json:"created_at"`
}

// OutboxMessage is a pending delivery to the value-transfer layer.
type OutboxMessage struct {
	ID         string
	ContractID string
	Topic      string
	Payload    []byte
	Attempts   int
	CreatedAt  time.Time
	SentAt     *time.Time
}

const (
	EventContractCreated   = "CONTRACT_CREATED"
	EventContractCancelled = "CONTRACT_CANCELLED"
	EventContractCompleted = "CONTRACT_COMPLETED"
	EventMilestoneSubmit   = "MILESTONE_SUBMITTED"
	EventMilestoneApproved = "MILESTONE_APPROVED"
	EventPaymentReleased   = "PAYMENT_RELEASED"
	EventDisputeRaised     = "DISPUTE_RAISED"
	EventDisputeResolved   = "DISPUTE_RESOLVED"
	EventSettlement        = "BALANCE_SETTLED"
)

const (
	// TopicContractCreated announces a funded contract.
	TopicContractCreated = "escrow.contract_created"
	// TopicReleaseAuthorized instructs the transfer layer to pay a milestone.
	TopicReleaseAuthorized = "escrow.release_authorized"
	// TopicSettlementAuthorized instructs the transfer layer to disburse a drained balance.
	TopicSettlementAuthorized = "escrow.settlement_authorized"
)
