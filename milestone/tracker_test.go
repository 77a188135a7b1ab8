package milestone

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrowflow/access"
	"escrowflow/contract"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func setup(t *testing.T) (*Tracker, *contract.MemoryStore) {
	t.Helper()
	store := contract.NewMemoryStore()
	price := decimal.NewFromInt(100)
	err := store.Insert(context.Background(), contract.Contract{
		ID:           "c-1",
		ClientID:     "client",
		FreelancerID: "freelancer",
		Price:        price,
		Balance:      price,
		Status:       contract.StatusActive,
		Milestones: []contract.Milestone{
			{ID: "ms-1", Amount: price, Status: contract.MilestonePending},
		},
	}, nil)
	require.NoError(t, err)
	tr := NewTracker(store, access.New("arbiter")).WithClock(func() time.Time { return testNow })
	return tr, store
}

func TestSubmitAndApprove(t *testing.T) {
	ctx := context.Background()
	tr, store := setup(t)

	c, err := tr.Submit(ctx, "c-1", "ms-1", "  0xabc  ", "freelancer")
	require.NoError(t, err)
	m := c.Milestones[0]
	require.Equal(t, contract.MilestoneSubmitted, m.Status)
	require.Equal(t, "0xabc", m.WorkReference, "work reference is trimmed")
	require.NotNil(t, m.SubmittedAt)
	require.True(t, m.SubmittedAt.Equal(testNow))

	c, err = tr.Approve(ctx, "c-1", "ms-1", "client")
	require.NoError(t, err)
	require.Equal(t, contract.MilestoneApproved, c.Milestones[0].Status)
	require.NotNil(t, c.Milestones[0].ApprovedAt)

	timeline, err := store.Timeline(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	require.Equal(t, contract.EventMilestoneSubmit, timeline[0].Type)
	require.Equal(t, contract.EventMilestoneApproved, timeline[1].Type)
}

func TestSubmitRejections(t *testing.T) {
	ctx := context.Background()
	tr, store := setup(t)

	_, err := tr.Submit(ctx, "c-1", "ms-1", "ref", "client")
	require.ErrorIs(t, err, contract.ErrUnauthorized, "client submitting")
	_, err = tr.Submit(ctx, "missing", "ms-1", "ref", "freelancer")
	require.ErrorIs(t, err, contract.ErrNotFound, "unknown contract")
	_, err = tr.Submit(ctx, "c-1", "ms-9", "ref", "freelancer")
	require.ErrorIs(t, err, contract.ErrNotFound, "unknown milestone")
	_, err = tr.Submit(ctx, "c-1", "ms-1", "   ", "freelancer")
	require.ErrorIs(t, err, contract.ErrInvalidInput, "blank reference")
	_, err = tr.Approve(ctx, "c-1", "ms-1", "client")
	require.ErrorIs(t, err, contract.ErrInvalidStateTransition, "approve before submit")

	_, err = tr.Submit(ctx, "c-1", "ms-1", "ref", "freelancer")
	require.NoError(t, err)
	_, err = tr.Submit(ctx, "c-1", "ms-1", "ref-2", "freelancer")
	require.ErrorIs(t, err, contract.ErrInvalidStateTransition, "double submit")
	_, err = tr.Approve(ctx, "c-1", "ms-1", "freelancer")
	require.ErrorIs(t, err, contract.ErrUnauthorized, "freelancer approving")

	c, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "ref", c.Milestones[0].WorkReference, "rejected calls must not change state")
}

func TestDisputedContractFreezesMilestones(t *testing.T) {
	ctx := context.Background()
	tr, store := setup(t)

	_, err := store.Update(ctx, "c-1", func(c *contract.Contract) ([]contract.Event, error) {
		c.Status = contract.StatusDisputed
		return nil, nil
	})
	require.NoError(t, err)
	_, err = tr.Submit(ctx, "c-1", "ms-1", "ref", "freelancer")
	require.ErrorIs(t, err, contract.ErrDisputeActive)

	_, err = store.Update(ctx, "c-1", func(c *contract.Contract) ([]contract.Event, error) {
		c.Status = contract.StatusCompleted
		return nil, nil
	})
	require.NoError(t, err)
	_, err = tr.Submit(ctx, "c-1", "ms-1", "ref", "freelancer")
	require.ErrorIs(t, err, contract.ErrInvalidStateTransition, "terminal contract")
}

func TestFingerprint(t *testing.T) {
	cases := map[string]string{
		"":      "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		"hello": "0x1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8",
	}
	for in, want := range cases {
		require.Equal(t, want, Fingerprint([]byte(in)), "Fingerprint(%q)", in)
	}
}
