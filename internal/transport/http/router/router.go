package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/farmregistry/farm-service/internal/transport/http/middleware"
)

type HealthHandler interface {
	Healthz(w http.ResponseWriter, r *http.Request)
	Readyz(w http.ResponseWriter, r *http.Request)
}

type FarmHandler interface {
	Create(w http.ResponseWriter, r *http.Request)
	List(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Health HealthHandler
	Farms  FarmHandler

	AuthMW func(http.Handler) http.Handler
	// IdempotencyMW guards the mutating farm routes. Nil leaves them unguarded.
	IdempotencyMW func(http.Handler) http.Handler

	// Write rate limit, per caller. Zero limit disables it.
	RLLimit  int
	RLWindow time.Duration

	// TracingService enables otelhttp spans when set.
	TracingService string
}

func New(deps Deps) (http.Handler, error) {
	if deps.Health == nil {
		return nil, fmt.Errorf("nil Health handler")
	}
	if deps.Farms == nil {
		return nil, fmt.Errorf("nil Farms handler")
	}
	if deps.AuthMW == nil {
		return nil, fmt.Errorf("nil Auth middleware")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if deps.TracingService != "" {
		r.Use(middleware.Tracing(deps.TracingService))
	}
	r.Use(middleware.Metrics)
	r.Use(middleware.AccessLog)

	r.Get("/healthz", deps.Health.Healthz)
	r.Get("/health_check", deps.Health.Healthz)
	r.Get("/readyz", deps.Health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/farms", func(r chi.Router) {
		r.Use(deps.AuthMW)

		r.Get("/", deps.Farms.List)

		write := []func(http.Handler) http.Handler{}
		if deps.RLLimit > 0 {
			write = append(write, middleware.RateLimit("farms_write", deps.RLLimit, deps.RLWindow))
		}
		// the idempotency guard runs after auth so the key is scoped to the caller
		if deps.IdempotencyMW != nil {
			write = append(write, deps.IdempotencyMW)
		}
		r.With(write...).Post("/", deps.Farms.Create)
	})

	return r, nil
}
