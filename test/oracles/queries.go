package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/contract"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the SQL oracles. Each query selects violating rows, so an empty
// result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_conservation",
			SQL: `SELECT c.id, c.price, c.balance FROM contracts c
                  WHERE c.balance <> c.price
                      - COALESCE((SELECT SUM((m->>'paid_amount')::numeric)
                                  FROM jsonb_array_elements(c.doc->'milestones') m
                                  WHERE m->>'status' = 'paid'), 0)
                      - COALESCE((c.doc->'settlement'->>'amount')::numeric, 0)`,
		},
		{
			Name: "O2_columns_match_doc",
			SQL: `SELECT id FROM contracts
                  WHERE balance <> (doc->>'balance')::numeric
                     OR status <> doc->>'status'
                     OR version <> (doc->>'version')::bigint`,
		},
		{
			Name: "O3_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT contract_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY contract_id ORDER BY seq) AS rn
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE seq <> rn`,
		},
		{
			Name: "O4_single_payment_per_milestone",
			SQL: `SELECT contract_id, payload->>'milestone_id', COUNT(*) FROM timeline_events
                  WHERE type = 'PAYMENT_RELEASED'
                  GROUP BY contract_id, payload->>'milestone_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_single_resolution",
			SQL: `SELECT contract_id, COUNT(*) FROM timeline_events
                  WHERE type = 'DISPUTE_RESOLVED'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_terminal_drained",
			SQL: `SELECT id, status, balance FROM contracts
                  WHERE status IN ('completed', 'cancelled')
                    AND (balance <> 0 OR doc->'settlement' IS NULL)`,
		},
		{
			Name: "O7_outbox_matches_timeline",
			SQL: `SELECT e.contract_id FROM timeline_events e
                  WHERE e.type IN ('PAYMENT_RELEASED', 'BALANCE_SETTLED', 'CONTRACT_CREATED')
                  GROUP BY e.contract_id
                  HAVING COUNT(*) <> (SELECT COUNT(*) FROM outbox o WHERE o.contract_id = e.contract_id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}

// Check applies the same invariants to an in-memory snapshot and its timeline.
func Check(c contract.Contract, events []contract.Event) error {
	settled := decimal.Zero
	if c.Settlement != nil {
		settled = c.Settlement.Amount
	}
	if want := c.Price.Sub(c.Released()).Sub(settled); !c.Balance.Equal(want) {
		return fmt.Errorf("O1_conservation: %s balance %s, want %s", c.ID, c.Balance, want)
	}
	if c.Balance.IsNegative() {
		return fmt.Errorf("O1_conservation: %s negative balance %s", c.ID, c.Balance)
	}

	payments := map[string]int{}
	resolutions := 0
	for i, e := range events {
		if e.Seq != i+1 {
			return fmt.Errorf("O3_seq_gapless: %s event %d has seq %d", c.ID, i, e.Seq)
		}
		switch e.Type {
		case contract.EventPaymentReleased:
			id, _ := e.Payload["milestone_id"].(string)
			payments[id]++
			if payments[id] > 1 {
				return fmt.Errorf("O4_single_payment_per_milestone: %s/%s", c.ID, id)
			}
		case contract.EventDisputeResolved:
			resolutions++
			if resolutions > 1 {
				return fmt.Errorf("O5_single_resolution: %s", c.ID)
			}
		}
	}
	for _, m := range c.Milestones {
		paid := m.Status == contract.MilestonePaid
		if paid != (payments[m.ID] == 1) {
			return fmt.Errorf("O4_single_payment_per_milestone: %s/%s status %s with %d payments", c.ID, m.ID, m.Status, payments[m.ID])
		}
	}

	if c.Status.Terminal() && (!c.Balance.IsZero() || c.Settlement == nil) {
		return fmt.Errorf("O6_terminal_drained: %s %s with balance %s", c.ID, c.Status, c.Balance)
	}
	disputeOpen := c.Dispute != nil && c.Dispute.Status == contract.DisputeOpen
	if disputeOpen != (c.Status == contract.StatusDisputed) {
		return fmt.Errorf("O8_dispute_freeze: %s status %s with open dispute %t", c.ID, c.Status, disputeOpen)
	}
	return nil
}
