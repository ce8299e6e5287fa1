package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/readalong/internal/api"
	"github.com/onnwee/readalong/internal/assessment"
	"github.com/onnwee/readalong/internal/audit"
	"github.com/onnwee/readalong/internal/auth"
	"github.com/onnwee/readalong/internal/config"
	"github.com/onnwee/readalong/internal/health"
	"github.com/onnwee/readalong/internal/idempotency"
	"github.com/onnwee/readalong/internal/jobs"
	"github.com/onnwee/readalong/internal/middleware"
	"github.com/onnwee/readalong/internal/presence"
	"github.com/onnwee/readalong/internal/socket"
)

const (
	serviceName    = "readalong-api"
	serviceVersion = "0.1.0"

	// rateLimitCleanupInterval is how often expired in-memory rate limit buckets are dropped.
	rateLimitCleanupInterval = time.Minute
	// idempotencyCleanupInterval is how often expired in-memory idempotency keys are dropped.
	idempotencyCleanupInterval = time.Hour
	// auditRetentionInterval is how often audit entries are anonymized and pruned.
	auditRetentionInterval = 24 * time.Hour
)

// server holds the wired components of the read-along API.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	jwt      *auth.JWTService
	registry *presence.Registry
	hub      *socket.Hub
	relay    *presence.Relay
	janitor  *presence.Janitor

	assessments assessment.Repository
	auditLog    audit.Repository
	rateStore   middleware.RateLimitStore
	memoryStore *middleware.InMemoryRateLimitStore

	idempotencyKeys   idempotency.Repository
	idempotencyMemory *idempotency.InMemoryRepository

	metricsRegistry *prometheus.Registry
	httpMetrics     *middleware.Metrics
	jobMetrics      *jobs.Metrics

	health api.HealthHandlersConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// externalDeps are the optional backing services. Nil fields select in-memory fallbacks.
type externalDeps struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// newServer wires every component. It does not start background work; call start.
func newServer(cfg *config.Config, logger *slog.Logger, deps externalDeps) (*server, error) {
	s := &server{
		cfg:             cfg,
		logger:          logger,
		jwt:             auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
		registry:        presence.NewRegistry(),
		metricsRegistry: prometheus.NewRegistry(),
		httpMetrics:     middleware.NewMetrics(),
		jobMetrics:      jobs.NewMetrics(),
		auditLog:        audit.NewInMemoryRepository(),
	}

	presenceMetrics := presence.NewMetrics()
	socketMetrics := socket.NewMetrics()

	s.metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, register := range []func(prometheus.Registerer) error{
		presenceMetrics.Register,
		socketMetrics.Register,
		s.httpMetrics.Register,
		s.jobMetrics.Register,
	} {
		if err := register(s.metricsRegistry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	s.hub = socket.NewHub(socket.HubConfig{Logger: logger, Metrics: socketMetrics})
	s.relay = presence.NewRelay(s.registry, s.hub, presence.RelayConfig{
		Logger:  logger,
		Metrics: presenceMetrics,
	})
	s.janitor = presence.NewJanitor(presence.JanitorConfig{
		Interval:   cfg.PresenceSweepInterval,
		StaleAfter: cfg.PresenceStaleAfter,
		Logger:     logger,
		Metrics:    presenceMetrics,
		JobMetrics: s.jobMetrics,
	}, s.relay)
	s.health.JanitorChecker = health.NewJobChecker(s.janitor)

	if deps.DB != nil {
		s.assessments = assessment.NewPostgresRepository(deps.DB, logger)
		s.health.DBChecker = health.NewDBChecker(deps.DB)
	} else {
		logger.Warn("DATABASE_URL not set, assessments are kept in memory")
		s.assessments = assessment.NewInMemoryRepository()
	}

	if deps.Redis != nil {
		s.rateStore = middleware.NewRedisRateLimitStore(deps.Redis).
			WithMetrics(s.httpMetrics).
			WithLogger(logger)
		s.health.RedisChecker = health.NewRedisChecker(deps.Redis)
		s.idempotencyKeys = idempotency.NewRedisRepository(deps.Redis, idempotency.DefaultExpiry)
	} else {
		s.memoryStore = middleware.NewInMemoryRateLimitStore()
		s.rateStore = s.memoryStore
		s.idempotencyMemory = idempotency.NewInMemoryRepository()
		s.idempotencyKeys = s.idempotencyMemory
	}

	return s, nil
}

// start launches the presence janitor and the periodic maintenance jobs.
func (s *server) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.janitor.Start(ctx)

	s.goPeriodic(ctx, jobs.JobTypeAuditRetention, auditRetentionInterval, func(ctx context.Context) error {
		return audit.ApplyRetention(ctx, s.auditLog, audit.DefaultRetentionPolicy(), time.Now())
	})

	if s.memoryStore != nil {
		s.goPeriodic(ctx, jobs.JobTypeRateLimitCleanup, rateLimitCleanupInterval, func(context.Context) error {
			s.memoryStore.Cleanup()
			return nil
		})
	}

	// Redis expires idempotency keys itself.
	if s.idempotencyMemory != nil {
		s.goPeriodic(ctx, jobs.JobTypeIdempotencyCleanup, idempotencyCleanupInterval, func(ctx context.Context) error {
			_, err := idempotency.CleanupOldKeys(ctx, s.idempotencyMemory, idempotency.DefaultExpiry)
			return err
		})
	}
}

func (s *server) goPeriodic(ctx context.Context, jobType string, interval time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		jobs.RunPeriodic(ctx, jobType, interval, s.jobMetrics, s.logger, fn)
	}()
}

// stop closes live sessions and stops background work.
func (s *server) stop() {
	s.hub.Shutdown()
	s.janitor.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// routes builds the HTTP handler with the full middleware chain applied.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	requireAuth := middleware.RequireAuth(s.jwt)

	sessions := api.NewSessionSocketHandlers(s.hub, s.relay, api.SessionSocketConfig{
		Validator:      s.jwt,
		AllowAnonymous: s.cfg.PresenceAllowAnonymous,
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		Logger:         s.logger,
	})
	socketLimit := middleware.RateLimiter(s.rateStore, middleware.DefaultSocketLimit(), middleware.IPKeyFunc(), s.httpMetrics)
	mux.Handle("/sessions/ws", socketLimit(http.HandlerFunc(sessions.Connect)))

	rooms := api.NewRoomHandlers(s.registry)
	teacherOnly := middleware.RequireRole(auth.RoleTeacher)
	mux.Handle("/rooms", requireAuth(teacherOnly(http.HandlerFunc(rooms.ListRooms))))
	mux.Handle("/rooms/", requireAuth(http.HandlerFunc(rooms.GetMembers)))

	// Per-user quota, applied after authentication.
	userLimit := middleware.RateLimiter(s.rateStore, middleware.DefaultGlobalLimit(), middleware.UserKeyFunc(), s.httpMetrics)
	idempotent := middleware.Idempotency(s.idempotencyKeys, s.httpMetrics)
	assessments := api.NewAssessmentHandlers(s.assessments, s.auditLog)
	mux.Handle("/assessments", requireAuth(userLimit(idempotent(http.HandlerFunc(assessments.Collection)))))
	mux.Handle("/assessments/", requireAuth(userLimit(http.HandlerFunc(assessments.Item))))

	healthHandlers := api.NewHealthHandlers(s.health)
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact root path, everything else returns 404
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"` + serviceName + `","version":"` + serviceVersion + `"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware: RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> RateLimiter
	var handler http.Handler = mux
	handler = middleware.RateLimiter(s.rateStore, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), s.httpMetrics)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig(s.cfg.CORSAllowedOrigins))(handler)
	handler = middleware.HTTPMetrics(s.httpMetrics)(handler)
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	return middleware.RequestID(handler)
}
