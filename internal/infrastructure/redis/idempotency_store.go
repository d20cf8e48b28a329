package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/farmregistry/farm-service/internal/idempotency"
)

// Stored values are a one-byte state tag followed by a JSON document. A
// Reserved value carries the reservation token between the tag and the JSON.
const (
	tagReserved  byte = 'R'
	tagCompleted byte = 'C'

	tokenLen = 36
)

// completeScript swaps a Reserved placeholder for the completed payload.
// ARGV[3] is the tag plus token the placeholder must start with.
// Returns 1 on success, 0 if the key is gone, -1 if it is held by someone else.
const completeScript = `
local v = redis.call("GET", KEYS[1])
if not v then
  return 0
end
if string.sub(v, 1, string.len(ARGV[3])) ~= ARGV[3] then
  return -1
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`

var errReserveContention = errors.New("key changed state repeatedly during reserve")

type storedValue struct {
	CreatedAt time.Time             `json:"created_at"`
	ExpireAt  time.Time             `json:"expire_at"`
	Response  *idempotency.Response `json:"response,omitempty"`
}

// IdempotencyStore is the cache backend. Expiry is left to Redis key TTLs.
type IdempotencyStore struct {
	rdb    *goredis.Client
	prefix string
	ttl    idempotency.TTL
	now    func() time.Time
}

func NewIdempotencyStore(c *Client, prefix string, ttl idempotency.TTL) *IdempotencyStore {
	var rdb *goredis.Client
	if c != nil {
		rdb = c.rdb
	}
	if prefix == "" {
		prefix = "idem"
	}
	return &IdempotencyStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *IdempotencyStore) key(userID uuid.UUID, key idempotency.Key) string {
	return s.prefix + ":" + userID.String() + ":" + key.String()
}

func reservedPrefix(token uuid.UUID) string {
	return string(tagReserved) + token.String()
}

func encodeReserved(token uuid.UUID, v storedValue) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(reservedPrefix(token)), b...), nil
}

func encodeCompleted(v storedValue) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{tagCompleted}, b...), nil
}

func decodeValue(raw []byte) (byte, storedValue, error) {
	var v storedValue
	if len(raw) == 0 {
		return 0, v, errors.New("empty value")
	}
	body := raw[1:]
	switch raw[0] {
	case tagReserved:
		if len(body) < tokenLen {
			return 0, v, errors.New("truncated reservation token")
		}
		if _, err := uuid.ParseBytes(body[:tokenLen]); err != nil {
			return 0, v, fmt.Errorf("reservation token: %w", err)
		}
		body = body[tokenLen:]
	case tagCompleted:
	default:
		return 0, v, fmt.Errorf("unknown state tag %q", raw[0])
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, v, err
	}
	return raw[0], v, nil
}

func (s *IdempotencyStore) Reserve(ctx context.Context, userID uuid.UUID, key idempotency.Key) (idempotency.Reservation, error) {
	if s.rdb == nil {
		return idempotency.Reservation{}, idempotency.Unavailable("redis reserve", errors.New("redis client not configured"))
	}

	k := s.key(userID, key)
	now := s.now().UTC()
	token := uuid.New()
	placeholder, err := encodeReserved(token, storedValue{CreatedAt: now, ExpireAt: now.Add(s.ttl.Reservation)})
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("redis reserve: encode: %w", err)
	}

	// The existing value can expire between SETNX and GET; try once more then.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.rdb.SetNX(ctx, k, placeholder, s.ttl.Reservation).Result()
		if errors.Is(err, goredis.Nil) {
			ok, err = false, nil
		}
		if err != nil {
			return idempotency.Reservation{}, idempotency.Unavailable("redis reserve", err)
		}
		if ok {
			return idempotency.Reservation{Outcome: idempotency.Reserved, Token: token}, nil
		}

		raw, err := s.rdb.Get(ctx, k).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return idempotency.Reservation{}, idempotency.Unavailable("redis reserve", err)
		}

		tag, v, err := decodeValue(raw)
		if err != nil {
			return idempotency.Reservation{}, idempotency.Unavailable("redis reserve", fmt.Errorf("decode %s: %w", k, err))
		}
		if tag == tagReserved {
			return idempotency.Reservation{Outcome: idempotency.InProgress}, nil
		}
		if v.Response == nil {
			return idempotency.Reservation{}, idempotency.Unavailable("redis reserve", fmt.Errorf("decode %s: completed value without response", k))
		}
		return idempotency.Reservation{
			Outcome:  idempotency.AlreadyCompleted,
			Response: *v.Response,
			ExpireAt: v.ExpireAt,
		}, nil
	}
	return idempotency.Reservation{}, idempotency.Unavailable("redis reserve", errReserveContention)
}

func (s *IdempotencyStore) Complete(ctx context.Context, userID uuid.UUID, key idempotency.Key, token uuid.UUID, resp idempotency.Response) error {
	if s.rdb == nil {
		return idempotency.Unavailable("redis complete", errors.New("redis client not configured"))
	}

	now := s.now().UTC()
	payload, err := encodeCompleted(storedValue{CreatedAt: now, ExpireAt: now.Add(s.ttl.Retention), Response: &resp})
	if err != nil {
		return fmt.Errorf("redis complete: encode: %w", err)
	}

	res, err := s.rdb.Eval(ctx, completeScript, []string{s.key(userID, key)},
		payload, s.ttl.Retention.Milliseconds(), reservedPrefix(token)).Int64()
	if err != nil {
		return idempotency.Unavailable("redis complete", err)
	}
	if res != 1 {
		return idempotency.ErrCompletionMismatch
	}
	return nil
}

func (s *IdempotencyStore) Lookup(ctx context.Context, userID uuid.UUID, key idempotency.Key) (idempotency.Response, bool, error) {
	if s.rdb == nil {
		return idempotency.Response{}, false, idempotency.Unavailable("redis lookup", errors.New("redis client not configured"))
	}

	raw, err := s.rdb.Get(ctx, s.key(userID, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return idempotency.Response{}, false, nil
	}
	if err != nil {
		return idempotency.Response{}, false, idempotency.Unavailable("redis lookup", err)
	}

	tag, v, err := decodeValue(raw)
	if err != nil {
		return idempotency.Response{}, false, idempotency.Unavailable("redis lookup", fmt.Errorf("decode: %w", err))
	}
	if tag != tagCompleted || v.Response == nil {
		return idempotency.Response{}, false, nil
	}
	return *v.Response, true, nil
}

// Remember writes resp as a completed entry that expires at expireAt,
// regardless of current state. Used when this store is the replay cache in
// front of Postgres. An expireAt less than a millisecond away stores nothing.
func (s *IdempotencyStore) Remember(ctx context.Context, userID uuid.UUID, key idempotency.Key, resp idempotency.Response, expireAt time.Time) error {
	if s.rdb == nil {
		return idempotency.Unavailable("redis remember", errors.New("redis client not configured"))
	}

	now := s.now().UTC()
	ttl := expireAt.Sub(now).Truncate(time.Millisecond)
	if ttl <= 0 {
		return nil
	}
	payload, err := encodeCompleted(storedValue{CreatedAt: now, ExpireAt: expireAt.UTC(), Response: &resp})
	if err != nil {
		return fmt.Errorf("redis remember: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(userID, key), payload, ttl).Err(); err != nil {
		return idempotency.Unavailable("redis remember", err)
	}
	return nil
}
