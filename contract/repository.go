package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps one row per contract holding the full aggregate as JSONB.
// Timeline and outbox rows are written in the same transaction as the
// aggregate, and the row lock taken by SELECT ... FOR UPDATE serializes
// operations per contract.
type PGStore struct {
	db  DB
	now func() time.Time
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *PGStore) WithClock(now func() time.Time) *PGStore {
	s.now = now
	return s
}

func (s *PGStore) Insert(ctx context.Context, c Contract, events []Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	c.Version = 1
	c.UpdatedAt = now
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("contract: marshal aggregate: %w", err)
	}

	const insertSQL = `
INSERT INTO contracts (id, client_id, freelancer_id, status, price, balance, version, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8::jsonb, $9, $10)
`
	if _, err := tx.Exec(ctx, insertSQL,
		c.ID,
		c.ClientID,
		c.FreelancerID,
		string(c.Status),
		c.Price.String(),
		c.Balance.String(),
		c.Version,
		string(doc),
		c.CreatedAt,
		now,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("contract: insert: %w", err)
	}

	if err := s.appendEvents(ctx, tx, c.ID, 0, events, now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit insert: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Contract, error) {
	var doc []byte
	if err := s.db.QueryRow(ctx, `SELECT doc FROM contracts WHERE id = $1`, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get: %w", err)
	}
	return decode(doc)
}

func (s *PGStore) Update(ctx context.Context, id string, fn Mutation) (Contract, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM contracts WHERE id = $1 FOR UPDATE`, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: lock: %w", err)
	}
	current, err := decode(doc)
	if err != nil {
		return Contract{}, err
	}

	next := current.Clone()
	events, err := fn(&next)
	if err != nil {
		return Contract{}, err
	}
	now := s.now()
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = now

	body, err := json.Marshal(next)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: marshal aggregate: %w", err)
	}

	const updateSQL = `
UPDATE contracts
SET status = $2,
    balance = $3::numeric,
    version = $4,
    doc = $5::jsonb,
    updated_at = $6
WHERE id = $1 AND version = $7
`
	tag, err := tx.Exec(ctx, updateSQL,
		next.ID,
		string(next.Status),
		next.Balance.String(),
		next.Version,
		string(body),
		now,
		current.Version,
	)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: update: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return Contract{}, fmt.Errorf("contract: update %s: version %d moved", id, current.Version)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM timeline_events WHERE contract_id = $1`, id).Scan(&seq); err != nil {
		return Contract{}, fmt.Errorf("contract: timeline seq: %w", err)
	}
	if err := s.appendEvents(ctx, tx, id, seq, events, now); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit update: %w", err)
	}
	return next, nil
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]Contract, error) {
	filter = filter.normalize()

	query := `SELECT doc FROM contracts WHERE TRUE`
	args := make([]any, 0, 3)
	if filter.PartyID != "" {
		args = append(args, filter.PartyID)
		query += fmt.Sprintf(" AND (client_id = $%d OR freelancer_id = $%d)", len(args), len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	out := make([]Contract, 0, 8)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("contract: scan: %w", err)
		}
		c, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate: %w", err)
	}
	return out, nil
}

func (s *PGStore) Timeline(ctx context.Context, id string) ([]Event, error) {
	const query = `
SELECT contract_id, seq, type, COALESCE(actor_id, ''), payload, created_at
FROM timeline_events
WHERE contract_id = $1
ORDER BY seq
`
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("contract: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			ev      Event
			payload []byte
		)
		if err := rows.Scan(&ev.ContractID, &ev.Seq, &ev.Type, &ev.ActorID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan timeline: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("contract: decode timeline payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate timeline: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT id::text, contract_id, topic, payload, attempts, created_at
FROM outbox
WHERE sent_at IS NULL
ORDER BY created_at
LIMIT $1
`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("contract: outbox pending: %w", err)
	}
	defer rows.Close()

	out := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.ContractID, &msg.Topic, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan outbox: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate outbox: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE outbox SET sent_at = $2 WHERE id = $1::uuid AND sent_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("contract: mark outbox sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkOutboxFailed(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1::uuid`, id); err != nil {
		return fmt.Errorf("contract: mark outbox failed: %w", err)
	}
	return nil
}

func (s *PGStore) appendEvents(ctx context.Context, tx pgx.Tx, contractID string, seq int, events []Event, now time.Time) error {
	for _, ev := range events {
		seq++
		ev.ContractID = contractID
		ev.Seq = seq
		ev.CreatedAt = now

		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("contract: marshal timeline payload: %w", err)
		}
		var actor any
		if ev.ActorID != "" {
			actor = ev.ActorID
		}
		const timelineSQL = `
INSERT INTO timeline_events (contract_id, seq, type, actor_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
`
		if _, err := tx.Exec(ctx, timelineSQL, contractID, ev.Seq, ev.Type, actor, string(body), now); err != nil {
			return fmt.Errorf("contract: insert timeline event: %w", err)
		}

		if ev.Topic == "" {
			continue
		}
		outbox, err := outboxPayload(ev)
		if err != nil {
			return err
		}
		const outboxSQL = `
INSERT INTO outbox (id, contract_id, topic, payload, created_at)
VALUES ($1::uuid, $2, $3, $4::jsonb, $5)
`
		if _, err := tx.Exec(ctx, outboxSQL, uuid.NewString(), contractID, ev.Topic, string(outbox), now); err != nil {
			return fmt.Errorf("contract: enqueue outbox: %w", err)
		}
	}
	return nil
}

func decode(doc []byte) (Contract, error) {
	var c Contract
	if err := json.Unmarshal(doc, &c); err != nil {
		return Contract{}, fmt.Errorf("contract: decode aggregate: %w", err)
	}
	return c, nil
}
