package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgctx "github.com/farmregistry/farm-service/internal/pkg/context"
	"github.com/farmregistry/farm-service/internal/transport/http/response"
)

// ---------- fakes ----------

type spyStore struct {
	mu sync.Mutex

	reserveRes  Reservation
	reserveErr  error
	completeErr error

	reserveCalls  int
	completeCalls int
	lookupCalls   int
	completed     []Response
	gotTokens     []uuid.UUID
	completeCtx   error
	gotKeys       []string
}

var spyToken = uuid.MustParse("c0ffee00-1111-4222-8333-444455556666")

func (s *spyStore) Reserve(_ context.Context, _ uuid.UUID, key Key) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveCalls++
	s.gotKeys = append(s.gotKeys, key.String())
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	if s.reserveRes.Outcome == 0 {
		return Reservation{Outcome: Reserved, Token: spyToken}, nil
	}
	return s.reserveRes, nil
}

func (s *spyStore) Complete(ctx context.Context, _ uuid.UUID, _ Key, token uuid.UUID, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	s.gotTokens = append(s.gotTokens, token)
	s.completeCtx = ctx.Err()
	s.completed = append(s.completed, resp)
	return s.completeErr
}

func (s *spyStore) Lookup(context.Context, uuid.UUID, Key) (Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls++
	return Response{}, false, nil
}

func (s *spyStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveCalls + s.completeCalls + s.lookupCalls
}

var testUser = uuid.MustParse("7f1d3a52-8d4e-4c61-9a0f-2b3c4d5e6f70")

func fixedUser(*http.Request) (uuid.UUID, bool) { return testUser, true }

func noUser(*http.Request) (uuid.UUID, bool) { return uuid.Nil, false }

type countingHandler struct {
	calls int
	body  string
	h     http.HandlerFunc
}

func (c *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls++
	b, _ := io.ReadAll(r.Body)
	c.body = string(b)
	if c.h != nil {
		c.h(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Add("Set-Cookie", "b=2")
	w.Header().Add("Set-Cookie", "a=1")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"id":"farm-1"}`))
}

func newTestInterceptor(store Store, opts ...Option) *Interceptor {
	return NewInterceptor(store, fixedUser, response.WriteError, zerolog.Nop(), opts...)
}

func post(target, key string, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if key != "" {
		r.Header.Set(HeaderKey, key)
	}
	return r
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

// ---------- tests ----------

func TestMiddleware_SafeMethodsPassThrough(t *testing.T) {
	store := &spyStore{}
	next := &countingHandler{}
	h := newTestInterceptor(store).Middleware(next)

	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(m, "/farms", nil))
		assert.Equal(t, http.StatusCreated, w.Code, m)
	}
	assert.Equal(t, 3, next.calls)
	assert.Zero(t, store.calls())
}

func TestMiddleware_MissingKey(t *testing.T) {
	store := &spyStore{}
	next := &countingHandler{}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "", `{}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "idempotency_key_missing", errorCode(t, w))
	assert.Zero(t, next.calls)
	assert.Zero(t, store.calls())
}

func TestMiddleware_InvalidKeyNeverReachesStore(t *testing.T) {
	cases := map[string]string{
		"whitespace": "   ",
		"too_long":   strings.Repeat("k", MaxKeyLength+1),
		"colon":      "user:order",
		"space":      "order 42",
		"unicode":    "bestellung-ä",
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			store := &spyStore{}
			next := &countingHandler{}
			w := httptest.NewRecorder()

			newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", key, `{}`))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "idempotency_key_invalid", errorCode(t, w))
			assert.Zero(t, next.calls)
			assert.Zero(t, store.calls())
		})
	}
}

func TestMiddleware_EmptyHeaderIsInvalidNotMissing(t *testing.T) {
	store := &spyStore{}
	r := httptest.NewRequest(http.MethodPost, "/farms", nil)
	r.Header[HeaderKey] = []string{""}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(&countingHandler{}).ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "idempotency_key_invalid", errorCode(t, w))
	assert.Zero(t, store.calls())
}

func TestMiddleware_KeyIsTrimmed(t *testing.T) {
	store := &spyStore{}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(&countingHandler{}).ServeHTTP(w, post("/farms", "  order-42\t", `{}`))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"order-42"}, store.gotKeys)
}

func TestMiddleware_NoCaller(t *testing.T) {
	store := &spyStore{}
	w := httptest.NewRecorder()

	NewInterceptor(store, noUser, response.WriteError, zerolog.Nop()).
		Middleware(&countingHandler{}).ServeHTTP(w, post("/farms", "order-1", `{}`))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, store.calls())
}

func TestMiddleware_LegacyHeader(t *testing.T) {
	store := &spyStore{}
	r := post("/farms", "", `{}`)
	r.Header.Set(HeaderKeyLegacy, "legacy-1")
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(&countingHandler{}).ServeHTTP(w, r)
	assert.Equal(t, http.StatusCreated, w.Code)

	r = post("/farms", "primary-1", `{}`)
	r.Header.Set(HeaderKeyLegacy, "legacy-2")
	newTestInterceptor(store).Middleware(&countingHandler{}).ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, []string{"legacy-1", "primary-1"}, store.gotKeys)
}

func TestMiddleware_FirstExecutionIsCapturedAndStored(t *testing.T) {
	store := &spyStore{}
	next := &countingHandler{}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "order-1", `{"name":"Hof"}`))

	require.Equal(t, 1, next.calls)
	assert.Equal(t, `{"name":"Hof"}`, next.body)
	require.Len(t, store.completed, 1)
	assert.Equal(t, []uuid.UUID{spyToken}, store.gotTokens, "completion carries the reservation token")

	stored := store.completed[0]
	assert.Equal(t, http.StatusCreated, stored.StatusCode)
	assert.Equal(t, []Header{
		{Name: "Content-Type", Value: []byte("application/json")},
		{Name: "Set-Cookie", Value: []byte("b=2")},
		{Name: "Set-Cookie", Value: []byte("a=1")},
	}, stored.Headers)
	assert.Equal(t, `{"id":"farm-1"}`, string(stored.Body))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"b=2", "a=1"}, w.Header().Values("Set-Cookie"))
	assert.Equal(t, `{"id":"farm-1"}`, w.Body.String())
}

func TestMiddleware_ErrorResponsesAreStoredToo(t *testing.T) {
	store := &spyStore{}
	next := &countingHandler{h: func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad farm", http.StatusUnprocessableEntity)
	}}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "order-1", `{}`))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Len(t, store.completed, 1)
	assert.Equal(t, http.StatusUnprocessableEntity, store.completed[0].StatusCode)
}

func TestMiddleware_ReplayIsByteExact(t *testing.T) {
	stored := Response{
		StatusCode: http.StatusCreated,
		Headers: []Header{
			{Name: "Content-Type", Value: []byte("application/json")},
			{Name: "Set-Cookie", Value: []byte("a=1")},
			{Name: "Set-Cookie", Value: []byte("b=2")},
			{Name: "X-Binary", Value: []byte{0x01, 0xfe}},
		},
		Body: []byte{'{', '}', 0xff},
	}
	store := &spyStore{reserveRes: Reservation{Outcome: AlreadyCompleted, Response: stored}}
	next := &countingHandler{}

	w := httptest.NewRecorder()
	w.Header().Set("Content-Type", "text/plain")

	newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "order-1", `{}`))

	assert.Zero(t, next.calls)
	assert.Zero(t, store.completeCalls)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"application/json"}, w.Header().Values("Content-Type"))
	assert.Equal(t, []string{"a=1", "b=2"}, w.Header().Values("Set-Cookie"))
	assert.Equal(t, string([]byte{0x01, 0xfe}), w.Header().Get("X-Binary"))
	assert.Equal(t, []byte{'{', '}', 0xff}, w.Body.Bytes())
}

func TestMiddleware_InProgressConflict(t *testing.T) {
	store := &spyStore{reserveRes: Reservation{Outcome: InProgress}}
	next := &countingHandler{}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "order-1", `{}`))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "request_in_progress", errorCode(t, w))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Zero(t, next.calls)
}

func TestMiddleware_ReserveUnavailable(t *testing.T) {
	store := &spyStore{reserveErr: Unavailable("reserve", errors.New("dial tcp: refused"))}
	next := &countingHandler{}
	w := httptest.NewRecorder()

	newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "order-1", `{}`))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "idempotency_store_unavailable", errorCode(t, w))
	assert.Zero(t, next.calls, "an unavailable store must not be treated as no record")
}

func TestMiddleware_LogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	store := &spyStore{reserveErr: Unavailable("reserve", errors.New("dial tcp: refused"))}
	ic := NewInterceptor(store, fixedUser, response.WriteError, zerolog.New(&buf))

	r := post("/farms", "order-1", `{}`)
	r = r.WithContext(pkgctx.WithRequestID(r.Context(), "req-123"))
	ic.Middleware(&countingHandler{}).ServeHTTP(httptest.NewRecorder(), r)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "req-123", line["request_id"])
	assert.Equal(t, "order-1", line["idempotency_key"])
	assert.Equal(t, testUser.String(), line["user_id"])
}

func TestMiddleware_CompletionFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"mismatch", ErrCompletionMismatch, http.StatusInternalServerError, "idempotency_completion_failed"},
		{"unavailable", Unavailable("complete", errors.New("timeout")), http.StatusServiceUnavailable, "idempotency_store_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &spyStore{completeErr: tc.err}
			next := &countingHandler{}
			w := httptest.NewRecorder()

			newTestInterceptor(store).Middleware(next).ServeHTTP(w, post("/farms", "order-1", `{}`))

			assert.Equal(t, 1, next.calls)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errorCode(t, w))
			assert.NotContains(t, w.Body.String(), "farm-1", "the unrecorded response is not sent")
		})
	}
}

func TestMiddleware_PanicLeavesReservation(t *testing.T) {
	store := &spyStore{}
	next := &countingHandler{h: func(http.ResponseWriter, *http.Request) { panic("boom") }}
	h := newTestInterceptor(store).Middleware(next)

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), post("/farms", "order-1", `{}`))
	})
	assert.Equal(t, 1, store.reserveCalls)
	assert.Zero(t, store.completeCalls)
}

func TestMiddleware_CompleteSurvivesClientCancel(t *testing.T) {
	store := &spyStore{}
	ctx, cancel := context.WithCancel(context.Background())
	next := &countingHandler{h: func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusCreated)
	}}

	r := post("/farms", "order-1", `{}`).WithContext(ctx)
	newTestInterceptor(store).Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, 1, store.completeCalls)
	assert.NoError(t, store.completeCtx)
}

func TestMiddleware_BodyFallback(t *testing.T) {
	body := `{"idempotency_key":"body-1","name":"Hof"}`

	t.Run("used_when_enabled", func(t *testing.T) {
		store := &spyStore{}
		next := &countingHandler{}
		r := post("/farms", "", body)
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
		w := httptest.NewRecorder()

		newTestInterceptor(store, WithBodyFallback(0)).Middleware(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, []string{"body-1"}, store.gotKeys)
		assert.Equal(t, body, next.body, "handler sees the full body")
	})

	t.Run("header_wins", func(t *testing.T) {
		store := &spyStore{}
		r := post("/farms", "header-1", body)
		r.Header.Set("Content-Type", "application/json")

		newTestInterceptor(store, WithBodyFallback(0)).Middleware(&countingHandler{}).ServeHTTP(httptest.NewRecorder(), r)
		assert.Equal(t, []string{"header-1"}, store.gotKeys)
	})

	t.Run("ignored_when_disabled", func(t *testing.T) {
		store := &spyStore{}
		r := post("/farms", "", body)
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		newTestInterceptor(store).Middleware(&countingHandler{}).ServeHTTP(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, store.calls())
	})

	t.Run("non_json_body", func(t *testing.T) {
		store := &spyStore{}
		r := post("/farms", "", body)
		r.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()

		newTestInterceptor(store, WithBodyFallback(0)).Middleware(&countingHandler{}).ServeHTTP(w, r)
		assert.Equal(t, "idempotency_key_missing", errorCode(t, w))
	})

	t.Run("invalid_key_in_body", func(t *testing.T) {
		store := &spyStore{}
		r := post("/farms", "", `{"idempotency_key":"a:b"}`)
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		newTestInterceptor(store, WithBodyFallback(0)).Middleware(&countingHandler{}).ServeHTTP(w, r)
		assert.Equal(t, "idempotency_key_invalid", errorCode(t, w))
		assert.Zero(t, store.calls())
	})

	t.Run("too_large", func(t *testing.T) {
		store := &spyStore{}
		r := post("/farms", "", body)
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		newTestInterceptor(store, WithBodyFallback(8)).Middleware(&countingHandler{}).ServeHTTP(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Zero(t, store.calls())
	})
}

func TestMiddleware_OutcomeCounter(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal.WithLabelValues(outcomeReplayed))

	store := &spyStore{reserveRes: Reservation{Outcome: AlreadyCompleted, Response: Response{StatusCode: http.StatusOK}}}
	newTestInterceptor(store).Middleware(&countingHandler{}).ServeHTTP(httptest.NewRecorder(), post("/farms", "order-1", `{}`))

	assert.Equal(t, before+1, testutil.ToFloat64(requestsTotal.WithLabelValues(outcomeReplayed)))
}
