package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/farmregistry/farm-service/internal/idempotency"
)

type recordKey struct {
	userID uuid.UUID
	key    string
}

// IdempotencyStore keeps records in process memory. It is only correct for a
// single instance and is meant for local runs and tests.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[recordKey]idempotency.Record
	ttl     idempotency.TTL
	now     func() time.Time
}

func NewIdempotencyStore(ttl idempotency.TTL) *IdempotencyStore {
	return &IdempotencyStore{
		records: make(map[recordKey]idempotency.Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests to move past expiry.
func (s *IdempotencyStore) WithClock(now func() time.Time) *IdempotencyStore {
	s.now = now
	return s
}

// liveLocked returns the record for k, dropping it if it has expired.
func (s *IdempotencyStore) liveLocked(k recordKey, now time.Time) (idempotency.Record, bool) {
	rec, ok := s.records[k]
	if !ok {
		return idempotency.Record{}, false
	}
	if !rec.Live(now) {
		delete(s.records, k)
		return idempotency.Record{}, false
	}
	return rec, true
}

func (s *IdempotencyStore) Reserve(ctx context.Context, userID uuid.UUID, key idempotency.Key) (idempotency.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Reservation{}, idempotency.Unavailable("memory reserve", err)
	}

	k := recordKey{userID: userID, key: key.String()}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.liveLocked(k, now); ok {
		if rec.State == idempotency.StateCompleted {
			return idempotency.Reservation{
				Outcome:  idempotency.AlreadyCompleted,
				Response: rec.Response.Clone(),
				ExpireAt: rec.ExpireAt,
			}, nil
		}
		return idempotency.Reservation{Outcome: idempotency.InProgress}, nil
	}

	token := uuid.New()
	s.records[k] = idempotency.Record{
		UserID:    userID,
		Key:       key,
		State:     idempotency.StateReserved,
		Token:     token,
		CreatedAt: now,
		ExpireAt:  now.Add(s.ttl.Reservation),
	}
	return idempotency.Reservation{Outcome: idempotency.Reserved, Token: token}, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, userID uuid.UUID, key idempotency.Key, token uuid.UUID, resp idempotency.Response) error {
	if err := ctx.Err(); err != nil {
		return idempotency.Unavailable("memory complete", err)
	}

	k := recordKey{userID: userID, key: key.String()}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(k, now)
	if !ok || rec.State != idempotency.StateReserved || rec.Token != token {
		return idempotency.ErrCompletionMismatch
	}

	stored := resp.Clone()
	rec.State = idempotency.StateCompleted
	rec.Response = &stored
	rec.ExpireAt = now.Add(s.ttl.Retention)
	s.records[k] = rec
	return nil
}

func (s *IdempotencyStore) Lookup(ctx context.Context, userID uuid.UUID, key idempotency.Key) (idempotency.Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Response{}, false, idempotency.Unavailable("memory lookup", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(recordKey{userID: userID, key: key.String()}, s.now())
	if !ok || rec.State != idempotency.StateCompleted {
		return idempotency.Response{}, false, nil
	}
	return rec.Response.Clone(), true, nil
}

// Remember stores resp as a Completed record until expireAt, regardless of
// current state. It lets the memory store act as the replay cache of a
// tiered store. An expireAt that has already passed stores nothing.
func (s *IdempotencyStore) Remember(ctx context.Context, userID uuid.UUID, key idempotency.Key, resp idempotency.Response, expireAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return idempotency.Unavailable("memory remember", err)
	}
	now := s.now()
	if !expireAt.After(now) {
		return nil
	}
	stored := resp.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{userID: userID, key: key.String()}] = idempotency.Record{
		UserID:    userID,
		Key:       key,
		State:     idempotency.StateCompleted,
		Response:  &stored,
		CreatedAt: now,
		ExpireAt:  expireAt,
	}
	return nil
}

// Len reports how many records are held, expired ones included.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
