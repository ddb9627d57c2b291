// Package server wires the credit ledger's stores, collaborators and HTTP
// routes into one process.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/riverqueue/river"

	adminapi "github.com/mbd888/creditledger/internal/admin"
	"github.com/mbd888/creditledger/internal/auth"
	"github.com/mbd888/creditledger/internal/config"
	"github.com/mbd888/creditledger/internal/disputes"
	"github.com/mbd888/creditledger/internal/generation"
	"github.com/mbd888/creditledger/internal/health"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/metrics"
	"github.com/mbd888/creditledger/internal/notify"
	"github.com/mbd888/creditledger/internal/payments"
	"github.com/mbd888/creditledger/internal/ratelimit"
	"github.com/mbd888/creditledger/internal/realtime"
	"github.com/mbd888/creditledger/internal/reconciliation"
	"github.com/mbd888/creditledger/internal/security"
	"github.com/mbd888/creditledger/internal/traces"
	"github.com/mbd888/creditledger/internal/users"
	"github.com/mbd888/creditledger/internal/validation"
	"github.com/mbd888/creditledger/internal/webhooks"
	"github.com/mbd888/creditledger/migrations"
)

// Generation compute timeouts. The river job timeout leaves room for the
// HTTP call to fail on its own first.
const (
	computeTimeout = 5 * time.Minute
	jobTimeout     = 6 * time.Minute
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB       // nil if using in-memory
	pool  *pgxpool.Pool // river's pool; nil unless generation is enabled
	store ledger.Store

	ledger      *ledger.Ledger
	users       users.Directory
	webhooks    webhooks.Store
	notifier    *notify.Async
	nats        *notify.NATSPublisher
	realtimeHub *realtime.Hub
	payments    *payments.Router
	disputes    *disputes.Machine
	decoders    []payments.Decoder
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	river       *river.Client[pgx.Tx]
	submitter   *generation.Submitter

	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	webhookLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	s.setupNotifications()

	guard := ledger.GuardFailOpen
	if cfg.IdempotencyFailMode == config.FailClosed {
		guard = ledger.GuardFailClosed
	}
	s.ledger = ledger.New(s.store,
		ledger.WithNotifier(s.notifier),
		ledger.WithLogger(s.logger),
		ledger.WithGuardMode(guard),
	)
	s.logger.Info("ledger ready", "idempotency_fail_mode", cfg.IdempotencyFailMode)

	s.disputes = disputes.New(s.ledger, s.logger)
	s.payments = payments.NewRouter(s.ledger, s.users, s.disputes, s.logger)
	if cfg.RazorpayWebhookSecret != "" {
		s.decoders = append(s.decoders, payments.NewRazorpayDecoder(cfg.RazorpayWebhookSecret))
	}
	if cfg.StripeWebhookSecret != "" {
		s.decoders = append(s.decoders, payments.NewStripeDecoder(cfg.StripeWebhookSecret))
	}
	for _, d := range s.decoders {
		s.logger.Info("payment webhooks enabled", "provider", d.Provider())
	}

	s.reconciler = reconciliation.NewRunner(s.store, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.health.Register("reconciler", s.reconTimer.Checker())
	}

	if err := s.setupGeneration(ctx); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.users = users.NewMemoryStore()
		s.webhooks = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(ctx, db, s.logger); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.users = users.NewPostgresStore(db)
	s.webhooks = webhooks.NewPostgresStore(db)
	s.health.Register("database", health.PingChecker("database", health.PingerFunc(db.PingContext)))
	if err := metrics.RegisterDB(db, "ledger"); err != nil {
		s.logger.Warn("database pool metrics unavailable", "error", err)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (s *Server) setupNotifications() {
	s.realtimeHub = realtime.NewHub(s.logger)
	sinks := []notify.Sink{
		s.realtimeHub,
		webhooks.NewDispatcher(s.webhooks, s.logger),
	}

	if s.cfg.NATSURL != "" {
		pub, err := notify.ConnectNATS(s.cfg.NATSURL, s.cfg.NATSSubjectPrefix, s.logger)
		if err != nil {
			s.logger.Warn("nats unavailable, notifications will not be published", "error", err)
		} else {
			s.nats = pub
			sinks = append(sinks, pub)
			s.health.Register("nats", func(context.Context) health.Status {
				if !pub.Connected() {
					return health.Status{Name: "nats", Healthy: false, Detail: "disconnected"}
				}
				return health.Status{Name: "nats", Healthy: true}
			})
			s.logger.Info("nats notifications enabled", "prefix", s.cfg.NATSSubjectPrefix)
		}
	}

	s.notifier = notify.NewAsync(s.logger, s.cfg.NotifyTimeout, sinks...)
}

// setupGeneration starts river only when both a database and a compute
// backend are configured; reservations need a durable queue to be settled.
func (s *Server) setupGeneration(ctx context.Context) error {
	if s.cfg.GenerationComputeURL == "" {
		return nil
	}
	if s.db == nil {
		s.logger.Warn("GENERATION_COMPUTE_URL set without DATABASE_URL, generation disabled")
		return nil
	}

	pool, err := pgxpool.New(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open job queue pool: %w", err)
	}
	if err := generation.Migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	compute := generation.NewHTTPCompute(s.cfg.GenerationComputeURL, s.cfg.ServiceToken, computeTimeout)
	worker := generation.NewWorker(s.ledger, compute, jobTimeout, s.logger)
	client, err := generation.NewClient(pool, worker, s.cfg.GenerationWorkers, s.logger)
	if err != nil {
		pool.Close()
		return err
	}

	s.pool = pool
	s.river = client
	s.submitter = generation.NewSubmitter(s.ledger, client, s.cfg.GenerationMaxAttempts, s.logger)
	if s.reconTimer != nil {
		s.reconTimer.AddSweep("generation_reservations", generation.NewSweeper(client, s.ledger, s.logger).Sweep)
	} else {
		s.logger.Warn("RECONCILE_INTERVAL disabled, reservations of cancelled jobs need manual release")
	}
	s.health.Register("job_queue", health.PingChecker("job_queue", pool))
	if err := metrics.RegisterPool(pool, "jobs"); err != nil {
		s.logger.Warn("job pool metrics unavailable", "error", err)
	}
	s.logger.Info("generation jobs enabled",
		"workers", s.cfg.GenerationWorkers, "max_attempts", s.cfg.GenerationMaxAttempts)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider webhooks authenticate by signature.
	s.webhookLimiter = ratelimit.New(ratelimit.WebhookConfig())
	hooks := s.router.Group("/", s.webhookLimiter.Middleware())
	payments.NewHandler(s.payments, s.logger, s.decoders...).RegisterRoutes(hooks)

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	v1 := s.router.Group("/v1",
		s.rateLimiter.Middleware(),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		validation.IDParamMiddleware("id", "webhookId", "disputeId", "reservationId"),
	)

	api := v1.Group("", auth.Require(auth.ServiceToken(s.cfg.ServiceToken), auth.AdminSecret(s.cfg.AdminSecret)))
	users.NewHandler(s.users, s.ledger, s.logger).RegisterRoutes(api)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(api)
	webhooks.NewHandler(s.webhooks, s.cfg.IsDevelopment(), s.logger).RegisterRoutes(api)
	s.realtimeHub.RegisterRoutes(api)
	if s.submitter != nil {
		generation.NewHandler(s.submitter, s.logger).RegisterRoutes(api)
	}

	if s.cfg.AdminSecret == "" && !s.cfg.IsDevelopment() {
		s.logger.Warn("ADMIN_SECRET not set, admin routes disabled")
		return
	}
	admin := v1.Group("", auth.Require(auth.AdminSecret(s.cfg.AdminSecret)))
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(admin)
	adminapi.NewHandler(s.ledger, s.disputes, s.logger).RegisterRoutes(admin)
	admin.GET("/admin/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statsHandler(c *gin.Context) {
	stats := gin.H{
		"realtime":          s.realtimeHub.Stats(),
		"paymentProviders":  len(s.decoders),
		"generationEnabled": s.submitter != nil,
	}
	if last := s.reconciler.Last(); last != nil {
		stats["lastReconciliation"] = gin.H{
			"startedAt":  last.StartedAt,
			"users":      last.Users,
			"mismatches": len(last.Mismatches),
			"errors":     last.Errors,
		}
	}
	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}

	if s.river != nil {
		if err := s.river.Start(runCtx); err != nil {
			s.logger.Error("failed to start job queue", "error", err)
			errChan <- fmt.Errorf("start job queue: %w", err)
		}
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// In-flight jobs finish before the context that feeds the hub goes away.
	if s.river != nil {
		if err := s.river.Stop(ctx); err != nil {
			s.logger.Error("job queue stop error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("job queue stopped")
		}
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.webhookLimiter != nil {
		s.webhookLimiter.Stop()
	}

	if err := s.notifier.Wait(ctx); err != nil {
		s.logger.Warn("pending notifications abandoned", "error", err)
	}
	if s.nats != nil {
		if err := s.nats.Close(); err != nil {
			s.logger.Error("nats close error", "error", err)
		}
	}

	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ledger returns the server's ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
