package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/contract"
)

// Relay drains the contract outbox into a Publisher. Delivery is at least
// once; consumers dedupe on contract_id and seq.
type Relay struct {
	outbox    contract.Outbox
	publisher Publisher
	log       zerolog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewRelay(outbox contract.Outbox, publisher Publisher, log zerolog.Logger, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		log:       log.With().Str("module", "transfer.relay").Logger(),
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().
				Str("operation", "process_once").
				Str("outcome", "failure").
				Err(err).
				Msg("outbox iteration failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce publishes one batch and returns how many messages were sent.
// Failed messages stay pending with their attempt count bumped.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := r.outbox.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg.Topic, msg.ContractID, msg.Payload); err != nil {
			r.log.Warn().
				Str("operation", "publish").
				Str("outcome", "failure").
				Str("outbox_id", msg.ID).
				Str("contract_id", msg.ContractID).
				Int("attempts", msg.Attempts+1).
				Err(err).
				Msg("transfer instruction not delivered")
			if markErr := r.outbox.MarkOutboxFailed(ctx, msg.ID); markErr != nil {
				return sent, markErr
			}
			continue
		}
		if err := r.outbox.MarkOutboxSent(ctx, msg.ID, r.now()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
