package idempotency_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmregistry/farm-service/internal/idempotency"
	"github.com/farmregistry/farm-service/internal/infrastructure/memory"
	"github.com/farmregistry/farm-service/internal/transport/http/response"
)

// farmCreator counts side effects and can hold the first request open.
type farmCreator struct {
	created atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (f *farmCreator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.created.Add(1)
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/farms/"+uuid.NewString())
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"data":{"name":"Hof Sonnegg","seq":` + strconv.Itoa(int(n)) + `}}`))
}

func TestScenario_DuplicateSubmissionCreatesOneFarm(t *testing.T) {
	user := uuid.New()
	store := memory.NewIdempotencyStore(idempotency.DefaultTTL())
	creator := &farmCreator{started: make(chan struct{}), release: make(chan struct{})}

	h := idempotency.NewInterceptor(store,
		func(*http.Request) (uuid.UUID, bool) { return user, true },
		response.WriteError, zerolog.Nop(),
	).Middleware(creator)

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/farms", strings.NewReader(`{"name":"Hof Sonnegg"}`))
		r.Header.Set(idempotency.HeaderKey, "order-42")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	var first *httptest.ResponseRecorder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = send()
	}()

	// while the first request is still running, a duplicate is rejected
	select {
	case <-creator.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the handler")
	}
	conflict := send()
	assert.Equal(t, http.StatusConflict, conflict.Code)

	close(creator.release)
	wg.Wait()
	require.Equal(t, http.StatusCreated, first.Code)

	// after completion, the duplicate gets the original response verbatim
	replay := send()
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, first.Body.Bytes(), replay.Body.Bytes())
	assert.Equal(t, first.Header().Get("Location"), replay.Header().Get("Location"))
	assert.Equal(t, int32(1), creator.created.Load())

	stored, found, err := store.Lookup(t.Context(), user, idempotency.MustParseKey("order-42"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.Body.Bytes(), stored.Body)
}

func TestScenario_SameKeyDifferentUsers(t *testing.T) {
	store := memory.NewIdempotencyStore(idempotency.DefaultTTL())
	creator := &farmCreator{}

	handlerFor := func(user uuid.UUID) http.Handler {
		return idempotency.NewInterceptor(store,
			func(*http.Request) (uuid.UUID, bool) { return user, true },
			response.WriteError, zerolog.Nop(),
		).Middleware(creator)
	}

	for _, u := range []uuid.UUID{uuid.New(), uuid.New()} {
		r := httptest.NewRequest(http.MethodPost, "/farms", strings.NewReader(`{}`))
		r.Header.Set(idempotency.HeaderKey, "order-42")
		w := httptest.NewRecorder()
		handlerFor(u).ServeHTTP(w, r)
		assert.Equal(t, http.StatusCreated, w.Code)
	}
	assert.Equal(t, int32(2), creator.created.Load())
}

func TestScenario_ConcurrentDuplicatesRunHandlerOnce(t *testing.T) {
	user := uuid.New()
	store := memory.NewIdempotencyStore(idempotency.DefaultTTL())
	creator := &farmCreator{}
	h := idempotency.NewInterceptor(store,
		func(*http.Request) (uuid.UUID, bool) { return user, true },
		response.WriteError, zerolog.Nop(),
	).Middleware(creator)

	const n = 20
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodPost, "/farms", strings.NewReader(`{}`))
			r.Header.Set(idempotency.HeaderKey, "burst-1")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), creator.created.Load())
	for _, c := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, c)
	}
}
