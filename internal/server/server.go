// Package server wires the engine together and exposes its HTTP surface.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/navidesk/sentinel/internal/audit"
	"github.com/navidesk/sentinel/internal/auth"
	"github.com/navidesk/sentinel/internal/config"
	"github.com/navidesk/sentinel/internal/events"
	"github.com/navidesk/sentinel/internal/executor"
	"github.com/navidesk/sentinel/internal/logging"
	"github.com/navidesk/sentinel/internal/metrics"
	"github.com/navidesk/sentinel/internal/moderation"
	"github.com/navidesk/sentinel/internal/notify"
	"github.com/navidesk/sentinel/internal/ratelimit"
	"github.com/navidesk/sentinel/internal/realtime"
	"github.com/navidesk/sentinel/internal/security"
	"github.com/navidesk/sentinel/internal/sentinel"
	"github.com/navidesk/sentinel/internal/settings"
	"github.com/navidesk/sentinel/internal/validation"
)

// Server wraps the HTTP server and engine dependencies.
type Server struct {
	cfg *config.Config

	settingsStore settings.Store
	activity      *events.Aggregator
	auditStore    audit.Store
	modStore      moderation.Store
	notifier      *notify.Notifier
	notifyStore   notify.Store
	authMgr       *auth.Manager
	executor      *executor.Service
	monitor       *sentinel.Monitor
	hub           *realtime.Hub
	rateLimiter   *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server instance with all engine components wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Outbound webhooks carry real payloads, so refuse SSRF-prone targets
	// before anything is sent.
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateWebhookURL(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		eventStore events.Store
		authStore  auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		eventStore = events.NewPostgresStore(db)
		s.settingsStore = settings.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		s.modStore = moderation.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.notifier = notify.New(s.notifyStore,
			notify.WithLogger(s.logger), notify.WithWebhook(cfg.NotifyWebhookURL))
		authStore = auth.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		eventStore = events.NewMemoryStore()
		s.settingsStore = settings.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.modStore = moderation.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.notifier = notify.New(s.notifyStore,
			notify.WithLogger(s.logger), notify.WithWebhook(cfg.NotifyWebhookURL))
		authStore = auth.NewMemoryStore()
	}

	s.activity = events.NewAggregator(eventStore)
	s.authMgr = auth.NewManager(authStore, cfg.NaviSecret)

	// Dev convenience: a throwaway operator key so the API is reachable
	// without provisioning. Logged once; never in production.
	if cfg.IsDevelopment() {
		if raw, key, err := s.authMgr.GenerateKey(context.Background(), "bootstrap", "dev bootstrap"); err == nil {
			s.logger.Info("bootstrap operator key issued", "keyId", key.ID, "rawKey", raw)
		}
	}

	s.hub = realtime.NewHub(s.logger)

	s.executor = executor.New(s.settingsStore, s.auditStore, s.modStore, s.notifier,
		executor.WithLogger(s.logger), executor.WithPublisher(s.hub))

	s.monitor = sentinel.New(sentinel.Config{
		PollInterval:   cfg.PollInterval,
		DebounceWindow: cfg.DebounceWindow,
	}, s.settingsStore, s.activity, s.executor,
		sentinel.WithLogger(s.logger), sentinel.WithPublisher(s.hub))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(security.HeadersMiddleware())
	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/livez", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket decision feed
	s.router.GET("/ws/decisions", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.authMgr))

	// The single action-dispatch endpoint. Authorization happens inside the
	// handler so a naviToken carried in the body also works.
	api.POST("/navi", s.naviHandler)

	authed := api.Group("")
	authed.Use(auth.RequireActor())
	{
		authed.POST("/events", s.recordEventHandler)
		authed.GET("/status", s.statusHandler)
		authed.GET("/audit", s.listAuditHandler)
		authed.GET("/audit/:actionId", s.getAuditHandler)
	}

	// Operator-only surface. The engine must never reach these.
	operator := api.Group("")
	operator.Use(auth.RequireHuman())
	{
		operator.GET("/settings", s.getSettingsHandler)
		operator.PUT("/settings", s.updateSettingsHandler)
		operator.POST("/monitor/run", s.runCycleHandler)
		operator.GET("/users/:userId/notifications",
			validation.UserIDParamMiddleware(), s.listNotificationsHandler)
		operator.GET("/keys", s.listKeysHandler)
		operator.POST("/keys", s.createKeyHandler)
		operator.DELETE("/keys/:keyId", s.revokeKeyHandler)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.cfg.MonitorDisabled {
		s.logger.Warn("policy loop disabled by configuration")
	} else if err := s.monitor.Start(runCtx); err != nil {
		s.logger.Error("failed to start policy loop", "error", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. An in-flight poll cycle is allowed
// to finish; only the loop itself is stopped.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if !s.cfg.MonitorDisabled {
		s.monitor.Stop()
		s.logger.Info("policy loop stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
