package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrowflow/access"
	"escrowflow/contract"
)

func newArbiter(t *testing.T) (*Arbiter, *contract.MemoryStore) {
	t.Helper()
	store := contract.NewMemoryStore()
	price := decimal.NewFromInt(100)
	err := store.Insert(context.Background(), contract.Contract{
		ID:           "c-1",
		ClientID:     "client",
		FreelancerID: "freelancer",
		Price:        price,
		Balance:      decimal.NewFromInt(60),
		Status:       contract.StatusActive,
		Milestones: []contract.Milestone{
			{ID: "ms-1", Amount: decimal.NewFromInt(40), Status: contract.MilestonePaid, PaidAmount: decimal.NewFromInt(40)},
			{ID: "ms-2", Amount: decimal.NewFromInt(60), Status: contract.MilestonePending},
		},
	}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return NewArbiter(store, access.New("arbiter")).WithClock(func() time.Time { return now }), store
}

func TestRaiseAndResolveClientWins(t *testing.T) {
	ctx := context.Background()
	arb, store := newArbiter(t)

	c, err := arb.Raise(ctx, "c-1", "work never delivered", "client")
	require.NoError(t, err)
	require.Equal(t, contract.StatusDisputed, c.Status)
	require.NotNil(t, c.Dispute)
	require.Equal(t, contract.DisputeOpen, c.Dispute.Status)
	require.Equal(t, "client", c.Dispute.InitiatorID)

	_, err = arb.Raise(ctx, "c-1", "again", "freelancer")
	require.ErrorIs(t, err, contract.ErrInvalidStateTransition, "second raise")

	_, err = arb.Resolve(ctx, "c-1", true, "", "client")
	require.ErrorIs(t, err, contract.ErrUnauthorized, "client resolving")

	c, err = arb.Resolve(ctx, "c-1", true, "no delivery evidence", "arbiter")
	require.NoError(t, err)
	require.True(t, c.Balance.IsZero())
	require.Equal(t, contract.StatusCompleted, c.Status)
	require.Equal(t, contract.DisputeResolved, c.Dispute.Status)
	require.Equal(t, contract.OutcomeClientWins, c.Dispute.Outcome)
	require.NotNil(t, c.Settlement)
	require.Equal(t, "client", c.Settlement.RecipientID)
	require.True(t, c.Settlement.Amount.Equal(decimal.NewFromInt(60)))
	conserved := c.Price.Sub(c.Released()).Sub(c.Settlement.Amount)
	require.True(t, conserved.Equal(c.Balance), "price-released-settled=%s balance=%s", conserved, c.Balance)

	_, err = arb.Resolve(ctx, "c-1", false, "", "arbiter")
	require.ErrorIs(t, err, contract.ErrAlreadyResolved)
	after, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, c.Version, after.Version, "second resolve must leave state unchanged")
	require.Equal(t, contract.OutcomeClientWins, after.Dispute.Outcome)

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, contract.TopicSettlementAuthorized, pending[0].Topic)
}

func TestResolveFreelancerWins(t *testing.T) {
	ctx := context.Background()
	arb, _ := newArbiter(t)

	_, err := arb.Raise(ctx, "c-1", "client unresponsive", "freelancer")
	require.NoError(t, err)
	c, err := arb.Resolve(ctx, "c-1", false, "", "arbiter")
	require.NoError(t, err)
	require.Equal(t, contract.OutcomeFreelancerWins, c.Dispute.Outcome)
	require.Equal(t, "freelancer", c.Settlement.RecipientID)
}

func TestRaiseRejections(t *testing.T) {
	ctx := context.Background()
	arb, _ := newArbiter(t)

	_, err := arb.Raise(ctx, "c-1", "reason", "arbiter")
	require.ErrorIs(t, err, contract.ErrUnauthorized, "arbiter raising")
	_, err = arb.Raise(ctx, "c-1", "   ", "client")
	require.ErrorIs(t, err, contract.ErrInvalidInput, "blank reason")
	_, err = arb.Raise(ctx, "missing", "reason", "client")
	require.ErrorIs(t, err, contract.ErrNotFound, "unknown contract")
	_, err = arb.Resolve(ctx, "c-1", true, "", "arbiter")
	require.ErrorIs(t, err, contract.ErrInvalidStateTransition, "resolve without dispute")
}

func TestGetAndListOpen(t *testing.T) {
	ctx := context.Background()
	arb, _ := newArbiter(t)

	_, err := arb.Get(ctx, "c-1", "client")
	require.ErrorIs(t, err, contract.ErrNotFound, "no dispute yet")
	_, err = arb.Raise(ctx, "c-1", "late", "client")
	require.NoError(t, err)

	d, err := arb.Get(ctx, "c-1", "arbiter")
	require.NoError(t, err)
	require.Equal(t, "late", d.Reason)
	_, err = arb.Get(ctx, "c-1", "stranger")
	require.ErrorIs(t, err, contract.ErrUnauthorized)

	_, err = arb.ListOpen(ctx, "client", 10)
	require.ErrorIs(t, err, contract.ErrUnauthorized, "client listing")
	open, err := arb.ListOpen(ctx, "arbiter", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "c-1", open[0].ContractID)

	_, err = arb.Resolve(ctx, "c-1", true, "", "arbiter")
	require.NoError(t, err)
	open, err = arb.ListOpen(ctx, "arbiter", 10)
	require.NoError(t, err)
	require.Empty(t, open, "resolved disputes must not be listed")
}
