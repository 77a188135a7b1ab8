package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mutation validates and applies one operation to a private copy of the
// contract. Returning an error discards the copy.
type Mutation func(c *Contract) ([]Event, error)

// Store persists contract aggregates keyed by id.
//
// Update holds the contract's exclusive lock for the whole read-validate-apply-
// persist cycle, so operations on one id are totally ordered while different
// ids proceed independently. Success is returned only after the write.
type Store interface {
	Insert(ctx context.Context, c Contract, events []Event) error
	Get(ctx context.Context, id string) (Contract, error)
	Update(ctx context.Context, id string, fn Mutation) (Contract, error)
	List(ctx context.Context, filter ListFilter) ([]Contract, error)
	Timeline(ctx context.Context, id string) ([]Event, error)
}

// Outbox exposes queued transfer instructions to the relay.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string) error
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	PartyID string
	Status  Status
	Limit   int
}

func (f ListFilter) normalize() ListFilter {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	return f
}

func (f ListFilter) matches(c Contract) bool {
	if f.PartyID != "" && c.ClientID != f.PartyID && c.FreelancerID != f.PartyID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

type memoryEntry struct {
	mu     sync.Mutex
	c      Contract
	events []Event
}

// MemoryStore is an arena of contracts with an id index. Each entry carries its
// own lock; the store lock only guards the arena and index.
type MemoryStore struct {
	mu    sync.RWMutex
	arena []*memoryEntry
	index map[string]int

	outboxMu sync.Mutex
	outbox   []OutboxMessage

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source used for UpdatedAt and events.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, c Contract, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	entry := &memoryEntry{c: c.Clone()}
	entry.c.Version = 1
	entry.c.UpdatedAt = now
	outbox, stamped, err := s.prepare(entry, c.ID, events, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.index[c.ID]; exists {
		s.mu.Unlock()
		return ErrConflict
	}
	entry.events = stamped
	s.index[c.ID] = len(s.arena)
	s.arena = append(s.arena, entry)
	s.mu.Unlock()

	s.enqueue(outbox)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Contract, error) {
	if err := ctx.Err(); err != nil {
		return Contract{}, err
	}
	entry, err := s.entry(id)
	if err != nil {
		return Contract{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.c.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn Mutation) (Contract, error) {
	entry, err := s.entry(id)
	if err != nil {
		return Contract{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Contract{}, err
	}

	next := entry.c.Clone()
	events, err := fn(&next)
	if err != nil {
		return Contract{}, err
	}
	now := s.now()
	next.ID = entry.c.ID
	next.Version = entry.c.Version + 1
	next.UpdatedAt = now

	outbox, stamped, err := s.prepare(entry, id, events, now)
	if err != nil {
		return Contract{}, err
	}
	entry.c = next
	entry.events = stamped
	s.enqueue(outbox)
	return next.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter = filter.normalize()

	s.mu.RLock()
	entries := make([]*memoryEntry, len(s.arena))
	copy(entries, s.arena)
	s.mu.RUnlock()

	out := make([]Contract, 0, 8)
	for i := len(entries) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		entries[i].mu.Lock()
		c := entries[i].c.Clone()
		entries[i].mu.Unlock()
		if filter.matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) Timeline(ctx context.Context, id string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]Event, len(entry.events))
	copy(out, entry.events)
	return out, nil
}

func (s *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	out := make([]OutboxMessage, 0, limit)
	for _, msg := range s.outbox {
		if msg.SentAt != nil {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxSent(_ context.Context, id string, at time.Time) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].SentAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) MarkOutboxFailed(_ context.Context, id string) error {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) entry(id string) (*memoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.arena[idx], nil
}

// prepare stamps events with sequence numbers and builds the outbox rows
// without touching shared state, so a marshal failure aborts the write.
func (s *MemoryStore) prepare(entry *memoryEntry, contractID string, events []Event, now time.Time) ([]OutboxMessage, []Event, error) {
	stamped := make([]Event, len(entry.events), len(entry.events)+len(events))
	copy(stamped, entry.events)
	var outbox []OutboxMessage
	for _, ev := range events {
		ev.ContractID = contractID
		ev.Seq = len(stamped) + 1
		ev.CreatedAt = now
		stamped = append(stamped, ev)
		if ev.Topic == "" {
			continue
		}
		body, err := outboxPayload(ev)
		if err != nil {
			return nil, nil, err
		}
		outbox = append(outbox, OutboxMessage{
			ID:         uuid.NewString(),
			ContractID: contractID,
			Topic:      ev.Topic,
			Payload:    body,
			CreatedAt:  now,
		})
	}
	return outbox, stamped, nil
}

func (s *MemoryStore) enqueue(msgs []OutboxMessage) {
	if len(msgs) == 0 {
		return
	}
	s.outboxMu.Lock()
	s.outbox = append(s.outbox, msgs...)
	s.outboxMu.Unlock()
}

func outboxPayload(ev Event) ([]byte, error) {
	payload := make(map[string]any, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["contract_id"] = ev.ContractID
	payload["event_type"] = ev.Type
	payload["seq"] = ev.Seq
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	return b, nil
}
