package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/parkspot/internal/auth"
	httpmiddleware "github.com/example/parkspot/internal/http/middleware"
	outboxworker "github.com/example/parkspot/internal/outbox"
	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/geoindex"
	"github.com/example/parkspot/internal/parking/handler"
	"github.com/example/parkspot/internal/parking/repository"
	"github.com/example/parkspot/internal/parking/service"
	"github.com/example/parkspot/internal/parking/spotlock"
	"github.com/example/parkspot/pkg/observability"
	outboxpkg "github.com/example/parkspot/pkg/outbox"
)

const serviceName = "parking-service"

type appConfig struct {
	HTTPAddr       string
	PostgresDSN    string
	RedisAddr      string
	NATSURL        string
	EventsSubject  string
	JWTSecret      string
	LogLevel       string
	Environment    string
	TraceStdout    bool
	LockTimeout    time.Duration
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
	SearchRate     httpmiddleware.Policy
	ReserveRate    httpmiddleware.Policy
	OutboxPoll     time.Duration
	OutboxBatch    int
	OutboxRetry    int
}

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, observability.TracerConfig{
		Service:     serviceName,
		Version:     "0.1.0",
		Environment: cfg.Environment,
		Stdout:      cfg.TraceStdout,
	})
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("parkingservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var (
		spots        domain.SpotRepository
		reservations domain.ReservationRepository
		events       domain.EventPublisher
	)
	if db != nil {
		// Admitted reservations reach NATS through the outbox table.
		pg := repository.NewPostgresRepository(db, cfg.EventsSubject)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migrate", zap.Error(err))
		}
		spots, reservations = pg, pg
	} else {
		mem := repository.NewMemoryRepository()
		spots, reservations = mem, mem
		if natsConn != nil {
			events = outboxpkg.NewPublisher(natsConn, cfg.EventsSubject)
		}
	}

	var (
		locker domain.SpotLocker = spotlock.NewKeyedLocker(cfg.LockTimeout)
		idem   domain.IdempotencyRepository = repository.NewMemoryIdempotencyRepo()
		limits *httpmiddleware.RateLimiter
	)
	if redisClient != nil {
		geo := geoindex.NewRedisGeoIndex(spots, redisClient, "", logger.Named("geoindex"))
		if lister, ok := spots.(interface {
			ListSpots(context.Context) ([]domain.Spot, error)
		}); ok {
			existing, err := lister.ListSpots(ctx)
			if err != nil {
				logger.Fatal("list spots", zap.Error(err))
			}
			indexed, err := geo.Sync(ctx, existing)
			if err != nil {
				logger.Fatal("sync geo index", zap.Error(err))
			}
			logger.Info("geo index synced", zap.Int("spots", len(existing)), zap.Int("indexed", indexed))
		}
		spots = geo
		locker = spotlock.NewRedisLocker(redisClient, "", spotlock.RedisConfig{TTL: cfg.LockTTL, Timeout: cfg.LockTimeout})
		idem = repository.NewRedisIdempotencyRepo(redisClient, "", cfg.IdempotencyTTL)
		limits = httpmiddleware.NewRateLimiter(redisClient, httpmiddleware.ReserveOrSearch, map[string]httpmiddleware.Policy{
			"search":  cfg.SearchRate,
			"reserve": cfg.ReserveRate,
		}, logger.Named("ratelimit"))
	}

	index := service.NewSpotIndex(spots, reservations, domain.SystemClock{}, logger.Named("search"))
	scheduler := service.NewScheduler(spots, reservations, locker, events, domain.SystemClock{}, idem, logger.Named("scheduler"))
	parkingHTTP := handler.NewHTTP(index, scheduler, logger.Named("http"))
	if cfg.JWTSecret != "" {
		parkingHTTP.GuardSpotWrites(auth.RequireRole([]byte(cfg.JWTSecret), auth.RoleOperator))
	} else {
		logger.Warn("spot registration is unauthenticated; set JWT_SECRET to require operator tokens")
	}

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", limits.Middleware(parkingHTTP.Router()))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval:   cfg.OutboxPoll,
			BatchSize:      cfg.OutboxBatch,
			RetryMax:       cfg.OutboxRetry,
			DefaultSubject: cfg.EventsSubject,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("parking service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		EventsSubject:  getenv("EVENTS_SUBJECT", "reservation.events"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		Environment:    getenv("ENV", "dev"),
		TraceStdout:    parseBoolEnv("TRACE_STDOUT", false),
		LockTimeout:    time.Duration(parseIntEnv("RESERVE_LOCK_TIMEOUT_MS", 5000)) * time.Millisecond,
		LockTTL:        time.Duration(parseIntEnv("RESERVE_LOCK_TTL_MS", 10000)) * time.Millisecond,
		IdempotencyTTL: time.Duration(parseIntEnv("IDEMPOTENCY_TTL_SEC", 86400)) * time.Second,
		SearchRate: httpmiddleware.Policy{
			Rate:  parseFloatEnv("RATE_SEARCH_RPS", 50),
			Burst: parseFloatEnv("RATE_SEARCH_BURST", 100),
		},
		ReserveRate: httpmiddleware.Policy{
			Rate:  parseFloatEnv("RATE_RESERVE_RPS", 5),
			Burst: parseFloatEnv("RATE_RESERVE_BURST", 10),
		},
		OutboxPoll:  time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}
