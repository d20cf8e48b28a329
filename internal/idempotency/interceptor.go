package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/farmregistry/farm-service/internal/domain"
	pkgctx "github.com/farmregistry/farm-service/internal/pkg/context"
)

const (
	HeaderKey       = "Idempotency-Key"
	HeaderKeyLegacy = "X-Idempotency-Key"
	BodyField       = "idempotency_key"

	defaultMaxBodyBytes    = 1 << 20
	defaultCompleteTimeout = 5 * time.Second
)

var tracer = otel.Tracer("github.com/farmregistry/farm-service/internal/idempotency")

// UserResolver returns the authenticated caller for r.
type UserResolver func(r *http.Request) (uuid.UUID, bool)

// ErrorWriter renders err as an HTTP error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Interceptor wraps mutating handlers with reserve, run-or-replay and
// complete against a Store.
type Interceptor struct {
	store    Store
	user     UserResolver
	writeErr ErrorWriter
	log      zerolog.Logger

	bodyFallback    bool
	maxBodyBytes    int64
	completeTimeout time.Duration
}

type Option func(*Interceptor)

// WithBodyFallback lets JSON requests carry the key in a top-level
// "idempotency_key" field when no header is present.
func WithBodyFallback(maxBytes int64) Option {
	return func(i *Interceptor) {
		i.bodyFallback = true
		if maxBytes > 0 {
			i.maxBodyBytes = maxBytes
		}
	}
}

// WithCompleteTimeout bounds the Complete call that follows the handler.
func WithCompleteTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.completeTimeout = d
		}
	}
}

func NewInterceptor(store Store, user UserResolver, writeErr ErrorWriter, lg zerolog.Logger, opts ...Option) *Interceptor {
	i := &Interceptor{
		store:           store,
		user:            user,
		writeErr:        writeErr,
		log:             lg,
		maxBodyBytes:    defaultMaxBodyBytes,
		completeTimeout: defaultCompleteTimeout,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware is the chi-compatible form of the interceptor.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		key, err := i.keyFrom(r)
		if err != nil {
			requestsTotal.WithLabelValues(outcomeInvalidKey).Inc()
			i.writeErr(w, r, err)
			return
		}

		userID, ok := i.user(r)
		if !ok {
			i.writeErr(w, r, domain.ErrTokenMissing())
			return
		}

		lg := i.requestLogger(r.Context(), userID, key)

		res, err := i.reserve(r.Context(), userID, key)
		if err != nil {
			requestsTotal.WithLabelValues(outcomeStoreUnavailable).Inc()
			lg.Error().Err(err).Msg("idempotency reserve failed")
			i.writeErr(w, r, domain.ErrIdempotencyStoreUnavailable(err))
			return
		}

		switch res.Outcome {
		case AlreadyCompleted:
			requestsTotal.WithLabelValues(outcomeReplayed).Inc()
			lg.Debug().Int("status", res.Response.StatusCode).Msg("idempotent replay")
			if err := res.Response.Replay(w); err != nil {
				lg.Warn().Err(err).Msg("replay write failed")
			}
			return
		case InProgress:
			requestsTotal.WithLabelValues(outcomeInProgress).Inc()
			lg.Debug().Msg("idempotency key in progress")
			i.writeErr(w, r, domain.ErrRequestInProgress())
			return
		case Reserved:
		default:
			i.writeErr(w, r, domain.ErrInternal(errors.New("unknown reservation outcome")))
			return
		}
		requestsTotal.WithLabelValues(outcomeReserved).Inc()

		// A panic in next leaves the record Reserved until it expires.
		rec := newRecorder()
		next.ServeHTTP(rec, r)
		resp := rec.response()

		// The side effect has happened; record it even if the client went away.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), i.completeTimeout)
		err = i.complete(ctx, userID, key, res.Token, resp)
		cancel()
		if err != nil {
			requestsTotal.WithLabelValues(outcomeCompletionFailed).Inc()
			lg.Error().Err(err).Int("status", resp.StatusCode).Msg("idempotency complete failed")
			if errors.Is(err, ErrCompletionMismatch) {
				i.writeErr(w, r, domain.ErrIdempotencyCompletion(err))
			} else {
				i.writeErr(w, r, domain.ErrIdempotencyStoreUnavailable(err))
			}
			return
		}

		if err := resp.Replay(w); err != nil {
			lg.Warn().Err(err).Msg("response write failed")
		}
	})
}

// requestLogger annotates the interceptor's logger with the caller, the key
// and the request id set by the request id middleware.
func (i *Interceptor) requestLogger(ctx context.Context, userID uuid.UUID, key Key) zerolog.Logger {
	lc := i.log.With().Str("user_id", userID.String()).Str("idempotency_key", key.String())
	if rid := pkgctx.GetRequestID(ctx); rid != "" {
		lc = lc.Str("request_id", rid)
	}
	return lc.Logger()
}

func (i *Interceptor) reserve(ctx context.Context, userID uuid.UUID, key Key) (Reservation, error) {
	ctx, span := tracer.Start(ctx, "idempotency.reserve", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	res, err := i.store.Reserve(ctx, userID, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return Reservation{}, err
	}
	span.SetAttributes(attribute.String("idempotency.outcome", res.Outcome.String()))
	return res, nil
}

func (i *Interceptor) complete(ctx context.Context, userID uuid.UUID, key Key, token uuid.UUID, resp Response) error {
	ctx, span := tracer.Start(ctx, "idempotency.complete", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if err := i.store.Complete(ctx, userID, key, token, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		return err
	}
	return nil
}

// keyFrom extracts and validates the key without touching the store.
func (i *Interceptor) keyFrom(r *http.Request) (Key, error) {
	raw, found := headerKey(r)
	if !found && i.bodyFallback {
		var err error
		raw, found, err = i.bodyKey(r)
		if err != nil {
			return Key{}, err
		}
	}
	if !found {
		return Key{}, domain.ErrMissingIdempotencyKey()
	}
	return ParseKey(raw)
}

func headerKey(r *http.Request) (string, bool) {
	for _, name := range []string{HeaderKey, HeaderKeyLegacy} {
		if vals := r.Header.Values(name); len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}

// bodyKey peeks at a JSON body for the key field and restores the body.
func (i *Interceptor) bodyKey(r *http.Request) (string, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", false, nil
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return "", false, nil
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, i.maxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return "", false, domain.ErrInvalidJSON(err)
	}
	if int64(len(b)) > i.maxBodyBytes {
		return "", false, domain.ErrInvalidField("body", "too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(b))

	var peek struct {
		Key *string `json:"idempotency_key"`
	}
	if err := json.Unmarshal(b, &peek); err != nil || peek.Key == nil {
		// Malformed bodies are the handler's concern.
		return "", false, nil
	}
	return *peek.Key, true, nil
}
