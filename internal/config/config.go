package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Engine selects the idempotency store.
type Engine string

const (
	EngineNone     Engine = "none"
	EngineMemory   Engine = "memory"
	EngineRedis    Engine = "redis"
	EnginePostgres Engine = "postgres"
	// EngineBoth uses Postgres as the store of record and Redis as a replay cache.
	EngineBoth Engine = "both"
)

func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(strings.TrimSpace(s))); e {
	case EngineNone, EngineMemory, EngineRedis, EnginePostgres, EngineBoth:
		return e, nil
	default:
		return "", fmt.Errorf("unknown idempotency engine %q (want none|memory|redis|postgres|both)", s)
	}
}

// UsesRedis reports whether the engine needs a Redis connection.
func (e Engine) UsesRedis() bool { return e == EngineRedis || e == EngineBoth }

type IdempotencyConfig struct {
	Engine Engine
	// Retention of completed responses.
	TTL time.Duration
	// Lifetime of a reservation that has not completed yet.
	ReservationTTL  time.Duration
	RedisPrefix     string
	CleanupInterval time.Duration
	BodyFallback    bool
}

type Config struct {
	AppEnv   string
	HTTPAddr string

	// Postgres (pgxpool DSN)
	DBDSN         string
	DBAutoMigrate bool

	// JWT verification (must match the issuer's signing config)
	JWTSecret string
	JWTIssuer string

	// Redis
	RedisAddr string
	RedisPass string
	RedisDB   int

	Idempotency IdempotencyConfig

	// Rate limit on farm creation
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
	ServiceName    string

	// HTTP server
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// --- Postgres: prefer DATABASE_URL if present, else build from POSTGRES_*
	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		host := getEnv("POSTGRES_HOST", "")
		port := getEnv("POSTGRES_PORT", "5432")
		user := getEnv("POSTGRES_USER", "")
		pass := getEnv("POSTGRES_PASSWORD", "")
		db := getEnv("POSTGRES_DB", "")
		sslmode := getEnv("POSTGRES_SSLMODE", "disable")
		cfg.DBDSN = buildPostgresURL(host, port, user, pass, db, sslmode)
	}
	cfg.DBAutoMigrate = getBool("DB_AUTO_MIGRATE", cfg.AppEnv == "dev")

	// --- JWT
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")

	// --- Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)

	// --- Idempotency
	engine, err := ParseEngine(getEnv("IDEMPOTENCY_ENGINE", string(EngineRedis)))
	if err != nil {
		return nil, err
	}
	cfg.Idempotency = IdempotencyConfig{
		Engine:          engine,
		TTL:             getDuration("IDEMPOTENCY_TTL", 600*time.Second),
		ReservationTTL:  getDuration("IDEMPOTENCY_RESERVATION_TTL", 60*time.Second),
		RedisPrefix:     getEnv("IDEMPOTENCY_REDIS_PREFIX", "idem"),
		CleanupInterval: getDuration("IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),
		BodyFallback:    getBool("IDEMPOTENCY_BODY_FALLBACK", true),
	}

	// --- Rate limit
	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RL_CREATE_FARM_LIMIT", 30)
	cfg.RLWindow = getDuration("RL_WINDOW", time.Minute)

	// --- Tracing
	cfg.TracingEnabled = getBool("TRACING_ENABLED", false)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	cfg.ServiceName = getEnv("OTEL_SERVICE_NAME", "farm-service")

	// --- HTTP server
	cfg.ReadTimeout = getDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	cfg.WriteTimeout = getDuration("HTTP_WRITE_TIMEOUT", 15*time.Second)
	cfg.IdleTimeout = getDuration("HTTP_IDLE_TIMEOUT", 60*time.Second)
	cfg.ShutdownTimeout = getDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBDSN == "" {
		return fmt.Errorf("missing database config: provide DATABASE_URL or POSTGRES_HOST/POSTGRES_USER/POSTGRES_DB")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("missing JWT_SECRET")
	}
	if c.Idempotency.Engine.UsesRedis() && c.RedisAddr == "" {
		return fmt.Errorf("IDEMPOTENCY_ENGINE=%s requires REDIS_ADDR", c.Idempotency.Engine)
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.ReservationTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL and IDEMPOTENCY_RESERVATION_TTL must be positive")
	}
	if c.Idempotency.CleanupInterval < 0 {
		return fmt.Errorf("IDEMPOTENCY_CLEANUP_INTERVAL must not be negative")
	}
	if c.RLEnabled && (c.RLLimit <= 0 || c.RLWindow <= 0) {
		return fmt.Errorf("RL_CREATE_FARM_LIMIT and RL_WINDOW must be positive when RL_ENABLED")
	}
	return nil
}

// buildPostgresURL builds a safe postgres URL DSN (handles special characters).
func buildPostgresURL(host, port, user, pass, db, sslmode string) string {
	// If any critical fields missing, return empty and let validation handle it.
	if strings.TrimSpace(host) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(host) + ":" + strings.TrimSpace(port),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	if strings.TrimSpace(sslmode) != "" {
		q.Set("sslmode", strings.TrimSpace(sslmode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		// prefer failing fast over silent misconfig
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

// getDuration accepts Go durations ("90s") or a bare number of seconds.
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
