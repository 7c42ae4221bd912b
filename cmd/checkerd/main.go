package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/epi-project/policy-reasoner/pkg/audit"
	"github.com/epi-project/policy-reasoner/pkg/auth"
	"github.com/epi-project/policy-reasoner/pkg/deliberate"
	"github.com/epi-project/policy-reasoner/pkg/events"
	"github.com/epi-project/policy-reasoner/pkg/hardening"
	"github.com/epi-project/policy-reasoner/pkg/httpx"
	"github.com/epi-project/policy-reasoner/pkg/metrics"
	"github.com/epi-project/policy-reasoner/pkg/policystore"
	"github.com/epi-project/policy-reasoner/pkg/ratelimit"
	"github.com/epi-project/policy-reasoner/pkg/reasoner"
	"github.com/epi-project/policy-reasoner/pkg/state"
	"github.com/epi-project/policy-reasoner/pkg/store"
	"github.com/epi-project/policy-reasoner/pkg/stream"
	"github.com/epi-project/policy-reasoner/pkg/telemetry"
)

type checkerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (checkerDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runChecker(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("checkerd: %v", err)
	}
}

func runChecker(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (checkerDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (checkerDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "checkerd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "hs256")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	delibSecrets := splitList(env("DELIB_AUTH_SECRETS", env("AUTH_SECRET", "")))
	mgmtSecrets := splitList(env("MGMT_AUTH_SECRETS", env("AUTH_SECRET", "")))
	hardeningOpts := hardening.Options{
		Service:            "checkerd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}
	if strings.EqualFold(authMode, "hs256") {
		hardeningOpts.RequiredServiceSecrets = []hardening.EnvRequirement{
			{Name: "DELIB_AUTH_SECRETS", Value: strings.Join(delibSecrets, ",")},
			{Name: "MGMT_AUTH_SECRETS", Value: strings.Join(mgmtSecrets, ",")},
		}
	}
	if err := hardening.ValidateProduction(hardeningOpts); err != nil {
		return err
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}
	policies := &policystore.Store{DB: db}
	auditWriter := &audit.Writer{DB: db}

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" {
		redisClient, err = store.NewRedis(ctx)
		if err != nil {
			log.Printf("checkerd: redis unavailable, falling back to in-memory: %v", err)
			redisClient = nil
		}
	}
	cache := store.NewCache(ctx, redisClient)
	policyReader := policystore.NewCached(policies, cache, envDurationSec("POLICY_CACHE_TTL_SEC", 3600))

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, time.Minute)
	} else {
		limiter = ratelimit.NewInMemory(time.Minute)
	}

	states := state.NewRegistry()
	if path := env("STATE_FILE", ""); path != "" {
		if err := state.LoadFile(path, states); err != nil {
			return err
		}
	}
	if base := env("STATE_URL", ""); base != "" {
		client := telemetry.InstrumentClient(&http.Client{
			Timeout: time.Millisecond * time.Duration(envInt("STATE_TIMEOUT_MS", 5000)),
		})
		for _, useCase := range splitList(env("STATE_USE_CASES", "")) {
			states.Bind(useCase, &state.HTTP{
				Base:       base,
				UseCase:    useCase,
				Client:     client,
				AuthHeader: env("STATE_AUTH_HEADER", ""),
				Retries:    envInt("STATE_RETRIES", 2),
				RetryDelay: time.Millisecond * time.Duration(envInt("STATE_RETRY_DELAY_MS", 200)),
			})
		}
	}

	var connector reasoner.Connector
	switch strings.ToLower(env("REASONER_CONNECTOR", "eflint")) {
	case "noop":
		connector = reasoner.NoOp{}
	case "eflint":
		connector = reasoner.NewEFlint(
			env("REASONER_URL", "http://localhost:8080"),
			telemetry.InstrumentClient(&http.Client{
				Timeout: time.Millisecond * time.Duration(envInt("REASONER_TIMEOUT_MS", 30000)),
			}),
			envInt("REASONER_POOL", 4),
		)
	default:
		return errors.New("REASONER_CONNECTOR must be eflint or noop")
	}

	engine := &deliberate.Engine{
		Policies:  policyReader,
		States:    states,
		Connector: connector,
		Audit:     auditWriter,
		Timeout:   time.Millisecond * time.Duration(envInt("DELIBERATION_TIMEOUT_MS", 30000)),
	}
	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err := events.NewPublisher(events.Config{
			Brokers: brokers,
			Topic:   env("KAFKA_TOPIC", "checker.verdicts"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
		engine.Events = publisher
	}

	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	delibAuth := auth.NewKeySet(authMode, env("DELIB_AUTH_AUDIENCE", "deliberation"),
		env("AUTH_ISSUER", ""), delibSecrets, env("AUTH_JWKS_URL", ""), authTimeout)
	mgmtAuth := auth.NewKeySet(authMode, env("MGMT_AUTH_AUDIENCE", "management"),
		env("AUTH_ISSUER", ""), mgmtSecrets, env("AUTH_JWKS_URL", ""), authTimeout)

	s := &Server{
		Engine:              engine,
		Policies:            policies,
		Audit:               auditWriter,
		Connector:           connector,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimiter:         limiter,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(telemetry.HTTPMiddleware("checkerd"))
	r.Mount("/", s.routes(delibAuth, mgmtAuth))

	addr := env("ADDR", ":8081")
	log.Printf("checkerd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}
