package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/farmregistry/farm-service/internal/application/farm"
	"github.com/farmregistry/farm-service/internal/config"
	"github.com/farmregistry/farm-service/internal/idempotency"
	"github.com/farmregistry/farm-service/internal/infrastructure/memory"
	"github.com/farmregistry/farm-service/internal/infrastructure/postgres"
	"github.com/farmregistry/farm-service/internal/infrastructure/redis"
	"github.com/farmregistry/farm-service/internal/logger"
	"github.com/farmregistry/farm-service/internal/security"
	"github.com/farmregistry/farm-service/internal/tracing"
	"github.com/farmregistry/farm-service/internal/transport/http/handlers"
	"github.com/farmregistry/farm-service/internal/transport/http/middleware"
	"github.com/farmregistry/farm-service/internal/transport/http/response"
	"github.com/farmregistry/farm-service/internal/transport/http/router"
)

/*
========================
 Public entry (prod)
========================
*/

// Server is the configured HTTP server plus how long it may take to drain.
type Server struct {
	*http.Server
	ShutdownTimeout time.Duration
}

func NewServer() (*Server, func(), error) {
	return newServer(defaultDeps())
}

// NewServerWithDeps allows injecting dependencies for testing
func NewServerWithDeps(deps Deps) (*Server, func(), error) {
	return newServer(deps)
}

/*
========================
 Dependency injection
========================
*/

type Deps struct {
	LoadConfig func() (*config.Config, error)

	NewPool func(ctx context.Context, dsn string) (*pgxpool.Pool, error)

	NewRedis func(addr, password string, db int) *redis.Client

	InitTracing func(ctx context.Context, cfg tracing.Config) (*tracing.Provider, error)

	NewRouter func(router.Deps) (http.Handler, error)
}

/*
========================
 Core bootstrap logic
========================
*/

func newServer(deps Deps) (*Server, func(), error) {
	ctx := context.Background()

	// 0) config
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	lg := logger.Logger

	// 1) tracing
	tp, err := deps.InitTracing(ctx, tracing.Config{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TracingEnabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init tracing: %w", err)
	}
	cleanupFns := []func(){
		func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(sctx)
		},
	}

	// 2) postgres
	pool, err := deps.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	cleanupFns = append(cleanupFns, pool.Close)
	lg.Info().Msg("postgres connected")

	if cfg.DBAutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			runCleanup(cleanupFns)
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	sqlDB := config.NewSQLDB(pool)
	cleanupFns = append(cleanupFns, func() { _ = sqlDB.Close() })
	farmRepo := postgres.NewFarmRepo(sqlDB)

	// 3) redis (only when the engine needs it; unreachable is fatal)
	var redisCli *redis.Client
	if cfg.Idempotency.Engine.UsesRedis() {
		redisCli = deps.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err := redisCli.Ping(ctx); err != nil {
			_ = redisCli.Close()
			runCleanup(cleanupFns)
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		cleanupFns = append(cleanupFns, func() { _ = redisCli.Close() })
		lg.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	}

	// 4) idempotency store
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	cleanupFns = append(cleanupFns, stopWorkers)

	store, err := newIdempotencyStore(workerCtx, cfg.Idempotency, pool, redisCli, lg)
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}
	lg.Info().Str("engine", string(cfg.Idempotency.Engine)).Msg("idempotency store ready")

	// 5) handlers + middleware
	verifier := security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	farmH := handlers.NewFarmHandler(farm.NewService(farmRepo))

	ready := map[string]handlers.Pinger{"postgres": farmRepo}
	if redisCli != nil {
		ready["redis"] = redisCli
	}
	healthH := handlers.NewHealthHandler(ready)

	var idemMW func(http.Handler) http.Handler
	if store != nil {
		var opts []idempotency.Option
		if cfg.Idempotency.BodyFallback {
			opts = append(opts, idempotency.WithBodyFallback(0))
		}
		ic := idempotency.NewInterceptor(store, middleware.CallerID, response.WriteError, lg, opts...)
		idemMW = ic.Middleware
	}

	rd := router.Deps{
		Health:        healthH,
		Farms:         farmH,
		AuthMW:        middleware.Auth(verifier),
		IdempotencyMW: idemMW,
	}
	if cfg.RLEnabled {
		rd.RLLimit = cfg.RLLimit
		rd.RLWindow = cfg.RLWindow
	}
	if tp.Enabled() {
		rd.TracingService = cfg.ServiceName
	}

	// 6) router
	mux, err := deps.NewRouter(rd)
	if err != nil {
		runCleanup(cleanupFns)
		return nil, nil, err
	}

	// 7) server
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var done bool
	cleanup := func() {
		if done {
			return
		}
		done = true
		runCleanup(cleanupFns)
	}

	return &Server{Server: srv, ShutdownTimeout: cfg.ShutdownTimeout}, cleanup, nil
}

// newIdempotencyStore builds the store for the configured engine. A nil
// store with a nil error means the engine is "none".
func newIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, pool *pgxpool.Pool, rdb *redis.Client, lg zerolog.Logger) (idempotency.Store, error) {
	ttl := idempotency.TTL{Reservation: cfg.ReservationTTL, Retention: cfg.TTL}

	switch cfg.Engine {
	case config.EngineNone:
		lg.Warn().Msg("idempotency disabled; mutating requests are not deduplicated")
		return nil, nil

	case config.EngineMemory:
		return memory.NewIdempotencyStore(ttl), nil

	case config.EngineRedis:
		if rdb == nil {
			return nil, fmt.Errorf("idempotency engine %s: no redis client", cfg.Engine)
		}
		return redis.NewIdempotencyStore(rdb, cfg.RedisPrefix, ttl), nil

	case config.EnginePostgres, config.EngineBoth:
		if pool == nil {
			return nil, fmt.Errorf("idempotency engine %s: no postgres pool", cfg.Engine)
		}
		pg := postgres.NewIdempotencyStore(pool, ttl)
		postgres.NewExpiredCleaner(pool, lg).Start(ctx, cfg.CleanupInterval)
		if cfg.Engine == config.EnginePostgres {
			return pg, nil
		}
		if rdb == nil {
			return nil, fmt.Errorf("idempotency engine %s: no redis client", cfg.Engine)
		}
		cache := redis.NewIdempotencyStore(rdb, cfg.RedisPrefix, ttl)
		return idempotency.NewTiered(pg, cache, ttl.Retention, lg), nil

	default:
		return nil, fmt.Errorf("unknown idempotency engine %q", cfg.Engine)
	}
}

/*
========================
 Default deps (prod)
========================
*/

func defaultDeps() Deps {
	return Deps{
		LoadConfig:  config.Load,
		NewPool:     config.NewPool,
		NewRedis:    redis.New,
		InitTracing: tracing.Init,
		NewRouter:   router.New,
	}
}

/*
========================
 helpers
========================
*/

func runCleanup(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
