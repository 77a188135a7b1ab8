package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/contract"
	"escrowflow/idempotency"
	"escrowflow/milestone"
	"escrowflow/registry"
	"escrowflow/transfer"
)

// Party identifies one seeded contract and the accounts allowed to act on it.
type Party struct {
	ContractID   string
	ClientID     string
	FreelancerID string
}

// Fleet is the shared state every actor draws from. In strict mode any error
// outside the business taxonomy stops the actor; otherwise it is counted as
// an infrastructure fault, which is expected while chaos is running.
type Fleet struct {
	Registry  *registry.Registry
	Parties   []Party
	ArbiterID string
	Strict    bool

	InfraFaults atomic.Int64
	Rejections  atomic.Int64
}

func (f *Fleet) pick() Party {
	return f.Parties[rand.Intn(len(f.Parties))]
}

func (f *Fleet) tolerate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case contract.IsBusiness(err), errors.Is(err, idempotency.ErrConflict), errors.Is(err, idempotency.ErrInFlight):
		f.Rejections.Add(1)
		return nil
	case f.Strict:
		return fmt.Errorf("%s: %w", op, err)
	default:
		f.InfraFaults.Add(1)
		return nil
	}
}

func loop(ctx context.Context, stop <-chan struct{}, minPause, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minPause+rand.Intn(jitter)) * time.Millisecond)
	}
}

// Freelancer submits deliverables against random milestones.
func Freelancer(ctx context.Context, f *Fleet, stop <-chan struct{}) error {
	return loop(ctx, stop, 5, 15, func() error {
		p := f.pick()
		msID := fmt.Sprintf("ms-%d", 1+rand.Intn(3))
		workRef := milestone.Fingerprint([]byte(fmt.Sprintf("%s/%s/%d", p.ContractID, msID, rand.Int63())))
		_, err := f.Registry.SubmitMilestone(ctx, p.ContractID, msID, workRef, p.FreelancerID)
		return f.tolerate("submit", err)
	})
}

// Client approves milestones and releases payment, sometimes overpaying or
// replaying a release under an idempotency key.
func Client(ctx context.Context, f *Fleet, stop <-chan struct{}) error {
	return loop(ctx, stop, 5, 15, func() error {
		p := f.pick()
		msID := fmt.Sprintf("ms-%d", 1+rand.Intn(3))
		_, err := f.Registry.ApproveMilestone(ctx, p.ContractID, msID, p.ClientID)
		if err := f.tolerate("approve", err); err != nil {
			return err
		}

		c, err := f.Registry.GetContract(ctx, p.ContractID)
		if err != nil {
			return f.tolerate("get", err)
		}
		m, ok := c.Milestone(msID)
		if !ok {
			return nil
		}
		amount := m.Amount
		switch rand.Intn(6) {
		case 0:
			amount = c.Balance.Add(decimal.NewFromInt(1))
		case 1:
			amount = decimal.NewFromInt(-1)
		}

		rctx := ctx
		if rand.Intn(3) == 0 {
			rctx = idempotency.WithKey(ctx, fmt.Sprintf("release-%s-%s", p.ContractID, msID))
		}
		_, err = f.Registry.ReleasePayment(rctx, p.ContractID, msID, amount, p.ClientID)
		return f.tolerate("release", err)
	})
}

// Disputer occasionally raises a dispute from either side of the contract.
func Disputer(ctx context.Context, f *Fleet, stop <-chan struct{}) error {
	return loop(ctx, stop, 100, 200, func() error {
		if rand.Intn(3) != 0 {
			return nil
		}
		p := f.pick()
		caller := p.ClientID
		if rand.Intn(2) == 0 {
			caller = p.FreelancerID
		}
		_, err := f.Registry.RaiseDispute(ctx, p.ContractID, "stress dispute", caller)
		return f.tolerate("raise", err)
	})
}

// Arbiter resolves open disputes with a random outcome. Two arbiters racing on
// the same dispute must yield exactly one resolution.
func Arbiter(ctx context.Context, f *Fleet, stop <-chan struct{}) error {
	return loop(ctx, stop, 20, 40, func() error {
		open, err := f.Registry.ListOpenDisputes(ctx, f.ArbiterID, 10)
		if err != nil {
			return f.tolerate("list disputes", err)
		}
		for _, d := range open {
			_, err := f.Registry.ResolveDispute(ctx, d.ContractID, rand.Intn(2) == 0, "stress ruling", f.ArbiterID)
			if err := f.tolerate("resolve", err); err != nil {
				return err
			}
		}
		return nil
	})
}

// Canceller rarely cancels a contract, refunding the client.
func Canceller(ctx context.Context, f *Fleet, stop <-chan struct{}) error {
	return loop(ctx, stop, 150, 200, func() error {
		if rand.Intn(4) != 0 {
			return nil
		}
		p := f.pick()
		_, err := f.Registry.CancelContract(ctx, p.ContractID, p.ClientID)
		return f.tolerate("cancel", err)
	})
}

type flakyPublisher struct{}

func (flakyPublisher) Publish(_ context.Context, _, _ string, _ []byte) error {
	if rand.Intn(10) == 0 {
		return errors.New("transfer layer unavailable")
	}
	return nil
}

// OutboxWorker drains transfer instructions through a publisher that fails
// one delivery in ten.
func OutboxWorker(ctx context.Context, f *Fleet, relay func(transfer.Publisher) *transfer.Relay, stop <-chan struct{}) error {
	r := relay(flakyPublisher{})
	return loop(ctx, stop, 50, 50, func() error {
		_, err := r.ProcessOnce(ctx)
		return f.tolerate("relay", err)
	})
}
