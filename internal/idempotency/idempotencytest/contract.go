// Package idempotencytest holds a behavioural suite every idempotency.Store
// backend must pass, so backends stay interchangeable.
package idempotencytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmregistry/farm-service/internal/idempotency"
)

// Harness is one freshly initialised backend.
type Harness struct {
	Store idempotency.Store
	TTL   idempotency.TTL
	// Advance moves the backend's clock forward by d.
	Advance func(d time.Duration)
}

// Clock is a manually advanced time source for backends that take a now func.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SampleResponse has a non-text header value, a repeated header and a body
// that is not valid UTF-8.
func SampleResponse() idempotency.Response {
	return idempotency.Response{
		StatusCode: 201,
		Headers: []idempotency.Header{
			{Name: "Content-Type", Value: []byte("application/json")},
			{Name: "Set-Cookie", Value: []byte("a=1")},
			{Name: "Set-Cookie", Value: []byte("b=2")},
			{Name: "X-Binary", Value: []byte{0x01, 0xfe, 0x7f}},
		},
		Body: []byte{'{', '"', 'i', 'd', '"', ':', '1', '}', 0xff, 0x00},
	}
}

// RunStoreContract runs the shared suite. newHarness is called once per subtest.
func RunStoreContract(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()
	ctx := context.Background()

	t.Run("reserve_then_in_progress", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("order-1")

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Reserved, res.Outcome)

		res, err = h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.InProgress, res.Outcome)
	})

	t.Run("complete_then_replay_is_byte_exact", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("order-2")
		want := SampleResponse()

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		require.NoError(t, h.Store.Complete(ctx, user, key, res.Token, want))

		for i := 0; i < 2; i++ {
			res, err := h.Store.Reserve(ctx, user, key)
			require.NoError(t, err)
			require.Equal(t, idempotency.AlreadyCompleted, res.Outcome)
			assert.True(t, want.Equal(res.Response), "replayed %+v", res.Response)
			assert.False(t, res.ExpireAt.IsZero(), "replay must report when the record expires")
		}
	})

	t.Run("lookup_sees_only_completed", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("order-3")

		_, found, err := h.Store.Lookup(ctx, user, key)
		require.NoError(t, err)
		assert.False(t, found)

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		_, found, err = h.Store.Lookup(ctx, user, key)
		require.NoError(t, err)
		assert.False(t, found, "reserved record must not be visible to lookup")

		require.NoError(t, h.Store.Complete(ctx, user, key, res.Token, SampleResponse()))
		got, found, err := h.Store.Lookup(ctx, user, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, SampleResponse().Equal(got))
	})

	t.Run("complete_without_reservation_is_mismatch", func(t *testing.T) {
		h := newHarness(t)
		err := h.Store.Complete(ctx, uuid.New(), idempotency.MustParseKey("never-reserved"), uuid.New(), SampleResponse())
		assert.ErrorIs(t, err, idempotency.ErrCompletionMismatch)
	})

	t.Run("second_complete_is_mismatch", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("order-4")

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		require.NoError(t, h.Store.Complete(ctx, user, key, res.Token, SampleResponse()))

		other := idempotency.Response{StatusCode: 500, Body: []byte("overwrite")}
		assert.ErrorIs(t, h.Store.Complete(ctx, user, key, res.Token, other), idempotency.ErrCompletionMismatch)

		got, found, err := h.Store.Lookup(ctx, user, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, SampleResponse().Equal(got), "first completion must survive")
	})

	t.Run("users_do_not_share_keys", func(t *testing.T) {
		h := newHarness(t)
		key := idempotency.MustParseKey("shared")

		a, err := h.Store.Reserve(ctx, uuid.New(), key)
		require.NoError(t, err)
		b, err := h.Store.Reserve(ctx, uuid.New(), key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Reserved, a.Outcome)
		assert.Equal(t, idempotency.Reserved, b.Outcome)
	})

	t.Run("expired_reservation_can_be_taken_again", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("stuck")

		_, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)

		h.Advance(h.TTL.Reservation + time.Second)

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Reserved, res.Outcome)
	})

	t.Run("expired_completion_is_absent", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("old")

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		require.NoError(t, h.Store.Complete(ctx, user, key, res.Token, SampleResponse()))

		h.Advance(h.TTL.Retention + time.Second)

		_, found, err := h.Store.Lookup(ctx, user, key)
		require.NoError(t, err)
		assert.False(t, found)

		res, err = h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.Reserved, res.Outcome)
	})

	t.Run("complete_after_reservation_expired_is_mismatch", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("late")

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		h.Advance(h.TTL.Reservation + time.Second)

		assert.ErrorIs(t, h.Store.Complete(ctx, user, key, res.Token, SampleResponse()), idempotency.ErrCompletionMismatch)
	})

	t.Run("complete_with_foreign_token_is_mismatch", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("foreign")

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		require.Equal(t, idempotency.Reserved, res.Outcome)
		require.NotEqual(t, uuid.Nil, res.Token)

		assert.ErrorIs(t, h.Store.Complete(ctx, user, key, uuid.New(), SampleResponse()), idempotency.ErrCompletionMismatch)
		require.NoError(t, h.Store.Complete(ctx, user, key, res.Token, SampleResponse()), "owner can still complete")
	})

	t.Run("stale_owner_cannot_complete_reclaimed_key", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("reclaimed")

		first, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		require.Equal(t, idempotency.Reserved, first.Outcome)

		h.Advance(h.TTL.Reservation + time.Second)

		second, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		require.Equal(t, idempotency.Reserved, second.Outcome)
		require.NotEqual(t, first.Token, second.Token)

		late := idempotency.Response{StatusCode: 201, Body: []byte("first")}
		assert.ErrorIs(t, h.Store.Complete(ctx, user, key, first.Token, late), idempotency.ErrCompletionMismatch)

		res, err := h.Store.Reserve(ctx, user, key)
		require.NoError(t, err)
		assert.Equal(t, idempotency.InProgress, res.Outcome, "second reservation must survive the late completion")

		want := idempotency.Response{StatusCode: 201, Body: []byte("second")}
		require.NoError(t, h.Store.Complete(ctx, user, key, second.Token, want))

		got, found, err := h.Store.Lookup(ctx, user, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, want.Equal(got), "stored %q", got.Body)
	})

	t.Run("scripted_transitions", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("script")
		var seen []string

		var token uuid.UUID
		observe := func() {
			res, err := h.Store.Reserve(ctx, user, key)
			require.NoError(t, err)
			if res.Outcome == idempotency.Reserved {
				token = res.Token
			}
			seen = append(seen, res.Outcome.String())
		}

		observe()
		observe()
		require.NoError(t, h.Store.Complete(ctx, user, key, token, SampleResponse()))
		observe()
		h.Advance(h.TTL.Retention + time.Second)
		observe()

		assert.Equal(t, []string{"reserved", "in_progress", "already_completed", "reserved"}, seen)
	})

	t.Run("concurrent_reserve_has_one_winner", func(t *testing.T) {
		h := newHarness(t)
		user, key := uuid.New(), idempotency.MustParseKey("race")

		const n = 16
		outcomes := make(chan idempotency.Outcome, n)
		errs := make(chan error, n)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				res, err := h.Store.Reserve(ctx, user, key)
				if err != nil {
					errs <- err
					return
				}
				outcomes <- res.Outcome
			}()
		}
		close(start)
		wg.Wait()
		close(outcomes)
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		reserved := 0
		for o := range outcomes {
			if o == idempotency.Reserved {
				reserved++
			} else {
				assert.Equal(t, idempotency.InProgress, o)
			}
		}
		assert.Equal(t, 1, reserved)
	})
}
