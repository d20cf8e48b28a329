package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/farmregistry/farm-service/internal/idempotency"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	insertReservedSQL = `
INSERT INTO idempotency (user_id, key, state, reservation_id, created_at, expire_at)
VALUES ($1, $2, 'reserved', $3, $4, $5)
ON CONFLICT (user_id, key) DO NOTHING
RETURNING key`

	// Header pairs are split into parallel arrays so they can be scanned
	// without registering the composite type on every connection.
	selectRowSQL = `
SELECT
  state,
  expire_at,
  COALESCE(response_status_code, 0),
  ARRAY(SELECT h.name  FROM unnest(response_headers) WITH ORDINALITY AS h(name, value, ord) ORDER BY h.ord),
  ARRAY(SELECT h.value FROM unnest(response_headers) WITH ORDINALITY AS h(name, value, ord) ORDER BY h.ord),
  response_body
FROM idempotency
WHERE user_id = $1 AND key = $2`

	deleteStaleSQL = `
DELETE FROM idempotency
WHERE user_id = $1 AND key = $2 AND expire_at <= $3`

	completeSQL = `
UPDATE idempotency
SET
  state = 'completed',
  response_status_code = $3,
  response_headers = ARRAY(
    SELECT ROW(h.name, h.value)::header_pair
    FROM unnest($4::text[], $5::bytea[]) WITH ORDINALITY AS h(name, value, ord)
    ORDER BY h.ord
  ),
  response_body = $6,
  expire_at = $7
WHERE user_id = $1 AND key = $2 AND state = 'reserved' AND expire_at > $8
  AND reservation_id = $9`
)

// IdempotencyStore is the relational backend and the store of record when
// both backends are configured.
type IdempotencyStore struct {
	db  Querier
	ttl idempotency.TTL
	now func() time.Time
}

func NewIdempotencyStore(db Querier, ttl idempotency.TTL) *IdempotencyStore {
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source used for created_at, expire_at and
// liveness comparisons.
func (s *IdempotencyStore) WithClock(now func() time.Time) *IdempotencyStore {
	s.now = now
	return s
}

func (s *IdempotencyStore) Reserve(ctx context.Context, userID uuid.UUID, key idempotency.Key) (idempotency.Reservation, error) {
	return reserve(ctx, s, userID, key, uuid.New(), s.now().UTC(), s.ttl.Reservation)
}

func (s *IdempotencyStore) Complete(ctx context.Context, userID uuid.UUID, key idempotency.Key, token uuid.UUID, resp idempotency.Response) error {
	names := make([]string, len(resp.Headers))
	values := make([][]byte, len(resp.Headers))
	for i, h := range resp.Headers {
		names[i] = h.Name
		values[i] = h.Value
		if values[i] == nil {
			values[i] = []byte{}
		}
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, completeSQL,
		userID, key.String(), int16(resp.StatusCode), names, values, body, now.Add(s.ttl.Retention), now, token)
	if err != nil {
		return idempotency.Unavailable("postgres complete", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrCompletionMismatch
	}
	return nil
}

func (s *IdempotencyStore) Lookup(ctx context.Context, userID uuid.UUID, key idempotency.Key) (idempotency.Response, bool, error) {
	row, found, err := s.loadRow(ctx, userID, key)
	if err != nil {
		return idempotency.Response{}, false, err
	}
	if classifyRow(row, found, s.now().UTC()) != rowCompleted {
		return idempotency.Response{}, false, nil
	}
	return row.Response, true, nil
}

func (s *IdempotencyStore) insertReserved(ctx context.Context, userID uuid.UUID, key idempotency.Key, token uuid.UUID, createdAt, expireAt time.Time) (bool, error) {
	var inserted string
	err := s.db.QueryRow(ctx, insertReservedSQL, userID, key.String(), token, createdAt, expireAt).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, idempotency.Unavailable("postgres reserve insert", err)
	}
	return true, nil
}

func (s *IdempotencyStore) loadRow(ctx context.Context, userID uuid.UUID, key idempotency.Key) (storedRow, bool, error) {
	var (
		row    storedRow
		state  string
		status int16
		names  []string
		values [][]byte
		body   []byte
	)
	err := s.db.QueryRow(ctx, selectRowSQL, userID, key.String()).
		Scan(&state, &row.ExpireAt, &status, &names, &values, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return storedRow{}, false, nil
	}
	if err != nil {
		return storedRow{}, false, idempotency.Unavailable("postgres load", err)
	}

	row.State = idempotency.State(state)
	if row.State == idempotency.StateCompleted {
		row.Response = idempotency.Response{StatusCode: int(status), Body: body}
		if len(names) > 0 {
			row.Response.Headers = make([]idempotency.Header, len(names))
			for i := range names {
				row.Response.Headers[i] = idempotency.Header{Name: names[i], Value: values[i]}
			}
		}
	}
	return row, true, nil
}

func (s *IdempotencyStore) deleteStale(ctx context.Context, userID uuid.UUID, key idempotency.Key, now time.Time) error {
	if _, err := s.db.Exec(ctx, deleteStaleSQL, userID, key.String(), now); err != nil {
		return idempotency.Unavailable("postgres delete stale", err)
	}
	return nil
}
