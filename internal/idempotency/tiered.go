package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResponseCache is a best-effort replay cache placed in front of a store of record.
type ResponseCache interface {
	Lookup(ctx context.Context, userID uuid.UUID, key Key) (Response, bool, error)
	// Remember caches resp until expireAt. It must not keep it any longer.
	Remember(ctx context.Context, userID uuid.UUID, key Key, resp Response, expireAt time.Time) error
}

// Tiered combines a durable store of record with a replay cache. Reservations
// and completions are decided by the durable store alone; cache failures are
// logged and otherwise ignored. Cached entries never outlive the record they
// were copied from.
type Tiered struct {
	record    Store
	cache     ResponseCache
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewTiered builds the combined store. retention must match the store of
// record's retention.
func NewTiered(record Store, cache ResponseCache, retention time.Duration, lg zerolog.Logger) *Tiered {
	return &Tiered{record: record, cache: cache, retention: retention, now: time.Now, log: lg}
}

// WithClock replaces the time source used to date cache entries written after
// a completion.
func (t *Tiered) WithClock(now func() time.Time) *Tiered {
	t.now = now
	return t
}

func (t *Tiered) Reserve(ctx context.Context, userID uuid.UUID, key Key) (Reservation, error) {
	if resp, ok := t.cachedResponse(ctx, userID, key); ok {
		return Reservation{Outcome: AlreadyCompleted, Response: resp}, nil
	}

	res, err := t.record.Reserve(ctx, userID, key)
	if err != nil {
		return Reservation{}, err
	}
	if res.Outcome == AlreadyCompleted && !res.ExpireAt.IsZero() {
		t.remember(ctx, userID, key, res.Response, res.ExpireAt)
	}
	return res, nil
}

func (t *Tiered) Complete(ctx context.Context, userID uuid.UUID, key Key, token uuid.UUID, resp Response) error {
	// The store of record dates its expiry no earlier than this.
	started := t.now()
	if err := t.record.Complete(ctx, userID, key, token, resp); err != nil {
		return err
	}
	t.remember(ctx, userID, key, resp, started.Add(t.retention))
	return nil
}

func (t *Tiered) Lookup(ctx context.Context, userID uuid.UUID, key Key) (Response, bool, error) {
	if resp, ok := t.cachedResponse(ctx, userID, key); ok {
		return resp, true, nil
	}
	return t.record.Lookup(ctx, userID, key)
}

func (t *Tiered) cachedResponse(ctx context.Context, userID uuid.UUID, key Key) (Response, bool) {
	resp, ok, err := t.cache.Lookup(ctx, userID, key)
	if err != nil {
		t.log.Warn().Err(err).Str("idempotency_key", key.String()).Msg("replay cache lookup failed")
		return Response{}, false
	}
	return resp, ok
}

func (t *Tiered) remember(ctx context.Context, userID uuid.UUID, key Key, resp Response, expireAt time.Time) {
	if err := t.cache.Remember(ctx, userID, key, resp, expireAt); err != nil {
		t.log.Warn().Err(err).Str("idempotency_key", key.String()).Msg("replay cache write failed")
	}
}
