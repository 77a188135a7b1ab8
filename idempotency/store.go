// Package idempotency lets callers retry mutating operations under a client
// supplied key without applying them twice.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrConflict signals a key reused with a different request.
	ErrConflict = errors.New("idempotency: key reused with different request")
	// ErrInFlight signals a duplicate arriving while the first call still runs.
	ErrInFlight = errors.New("idempotency: request in flight")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is what a store keeps per key.
type Record struct {
	Key         string          `json:"key"`
	RequestHash string          `json:"request_hash"`
	Status      Status          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// Store reserves keys and keeps completed responses.
type Store interface {
	// Reserve claims key for requestHash. When the key is already held it
	// returns the existing record and reserved=false.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (existing Record, reserved bool, err error)
	Complete(ctx context.Context, key string, response []byte, ttl time.Duration) error
	// Release drops a pending reservation so the request may be retried.
	Release(ctx context.Context, key string) error
}

const (
	defaultPendingTTL       = time.Minute
	defaultCompleteAttempts = 3
	defaultCompleteBackoff  = 50 * time.Millisecond
)

// Guard runs operations under idempotency keys. Completed results are kept
// for ttl; a reservation that never completes expires after pendingTTL.
type Guard struct {
	store      Store
	ttl        time.Duration
	pendingTTL time.Duration
	attempts   int
	backoff    time.Duration
	log        zerolog.Logger
}

func NewGuard(store Store, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pending := defaultPendingTTL
	if ttl < pending {
		pending = ttl
	}
	return &Guard{
		store:      store,
		ttl:        ttl,
		pendingTTL: pending,
		attempts:   defaultCompleteAttempts,
		backoff:    defaultCompleteBackoff,
		log:        zerolog.Nop(),
	}
}

func (g *Guard) WithLogger(log zerolog.Logger) *Guard {
	g.log = log
	return g
}

// WithPendingTTL bounds how long an unfinished reservation blocks its key.
func (g *Guard) WithPendingTTL(d time.Duration) *Guard {
	if d > 0 {
		g.pendingTTL = d
	}
	return g
}

// WithCompleteRetry sets how often storing a result is attempted and the
// initial pause between attempts, doubled after each failure.
func (g *Guard) WithCompleteRetry(attempts int, backoff time.Duration) *Guard {
	if attempts > 0 {
		g.attempts = attempts
	}
	g.backoff = backoff
	return g
}

// HashRequest fingerprints scope and request so a key cannot be replayed
// against a different operation or payload.
func HashRequest(scope string, request any) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal request: %w", err)
	}
	h := sha3.New256()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Do runs fn once per key. A replay with the same request returns the stored
// result; failed calls release the key so they can be retried. An empty key
// or a nil guard runs fn directly. Once fn has succeeded its result is
// returned even if it cannot be stored; the reservation then lapses after
// the pending TTL.
func Do[T any](ctx context.Context, g *Guard, key, scope string, request any, fn func() (T, error)) (T, error) {
	var zero T
	if g == nil || key == "" {
		return fn()
	}

	hash, err := HashRequest(scope, request)
	if err != nil {
		return zero, err
	}
	storeKey := scope + ":" + key

	existing, reserved, err := g.store.Reserve(ctx, storeKey, hash, g.pendingTTL)
	if err != nil {
		return zero, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if !reserved {
		if existing.RequestHash != hash {
			return zero, ErrConflict
		}
		if existing.Status != StatusCompleted {
			return zero, ErrInFlight
		}
		var out T
		if err := json.Unmarshal(existing.Response, &out); err != nil {
			return zero, fmt.Errorf("idempotency: decode stored response: %w", err)
		}
		return out, nil
	}

	out, err := fn()
	if err != nil {
		if relErr := g.store.Release(context.WithoutCancel(ctx), storeKey); relErr != nil {
			return zero, errors.Join(err, fmt.Errorf("idempotency: release: %w", relErr))
		}
		return zero, err
	}

	body, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("idempotency: encode response: %w", err)
	}
	if err := g.complete(context.WithoutCancel(ctx), storeKey, body); err != nil {
		g.log.Error().Err(err).
			Str("idempotency_key", storeKey).
			Dur("pending_ttl", g.pendingTTL).
			Msg("result committed but not stored; key stays reserved until the pending ttl lapses")
	}
	return out, nil
}

func (g *Guard) complete(ctx context.Context, key string, body []byte) error {
	pause := g.backoff
	var err error
	for i := 0; i < g.attempts; i++ {
		if i > 0 && pause > 0 {
			time.Sleep(pause)
			pause *= 2
		}
		if err = g.store.Complete(ctx, key, body, g.ttl); err == nil {
			return nil
		}
	}
	return fmt.Errorf("idempotency: complete: %w", err)
}

type memoryRecord struct {
	Record
	expiresAt time.Time
}

// MemoryStore keeps records in process. Expired records are dropped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, requestHash string, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.expiresAt) {
		return rec.Record, false, nil
	}
	s.records[key] = memoryRecord{
		Record:    Record{Key: key, RequestHash: requestHash, Status: StatusPending},
		expiresAt: now.Add(ttl),
	}
	return Record{}, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, response []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency: complete unknown key %q", key)
	}
	rec.Status = StatusCompleted
	rec.Response = append(json.RawMessage(nil), response...)
	rec.expiresAt = s.now().Add(ttl)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.Status == StatusPending {
		delete(s.records, key)
	}
	return nil
}

type keyCtx struct{}

// WithKey attaches a caller-supplied idempotency key to ctx.
func WithKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, keyCtx{}, key)
}

// KeyFrom returns the idempotency key carried by ctx, if any.
func KeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(keyCtx{}).(string)
	return key
}
