// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/inferbroker/internal/auth"
	"github.com/mbd888/inferbroker/internal/broker"
	"github.com/mbd888/inferbroker/internal/chain"
	"github.com/mbd888/inferbroker/internal/config"
	"github.com/mbd888/inferbroker/internal/health"
	"github.com/mbd888/inferbroker/internal/history"
	"github.com/mbd888/inferbroker/internal/logging"
	"github.com/mbd888/inferbroker/internal/metrics"
	"github.com/mbd888/inferbroker/internal/notify"
	"github.com/mbd888/inferbroker/internal/pending"
	"github.com/mbd888/inferbroker/internal/ratelimit"
	"github.com/mbd888/inferbroker/internal/security"
	"github.com/mbd888/inferbroker/internal/session"
	"github.com/mbd888/inferbroker/internal/traces"
	"github.com/mbd888/inferbroker/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	chain      broker.Chain
	chainOwned *chain.Client // set when the server dialed RPC itself
	sessions   *session.Cache
	registry   *pending.Registry
	history    history.Store
	hub        *notify.Hub
	guard      *auth.Guard

	rateLimiter *ratelimit.Limiter
	fundQuota   *ratelimit.Quota
	inferQuota  *ratelimit.Quota
	healthReg   *health.Registry

	brokerCfg broker.Config
	minFund   *big.Int
	maxFund   *big.Int

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithChain sets a custom chain client (for testing)
func WithChain(ch broker.Chain) Option {
	return func(s *Server) {
		s.chain = ch
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.history = history.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.history = history.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain client if not injected
	if s.chain == nil {
		client, err := chain.New(chain.Config{
			RPCURL:          cfg.RPCURL,
			ChainID:         cfg.ChainID,
			LedgerContract:  cfg.LedgerContract,
			ServingContract: cfg.ServingContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chainOwned = client
		s.chain = client
		s.logger.Info("chain client connected",
			"rpc", cfg.RPCURL,
			"chain_id", cfg.ChainID,
		)
	}

	// Funding bounds
	minFund, err := chain.ParseToken(cfg.MinFund)
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_FUND: %w", err)
	}
	maxFund, err := chain.ParseToken(cfg.MaxFund)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_FUND: %w", err)
	}
	s.minFund = minFund
	s.maxFund = maxFund

	// WebSocket hub feeds wallets pending-operation events
	s.hub = notify.NewHub(s.logger, cfg.SigTolerance)

	// Pending-operation registry with hub notifications
	s.registry = pending.New(pending.Config{
		Staleness:     cfg.OpStaleness,
		SweepInterval: cfg.SweepInterval,
	}, s.logger, pending.WithNotifier(s.hub))

	// Session cache
	s.sessions = session.New(session.Config{
		TTL: cfg.SessionTTL,
	}, s.logger)

	// Signature auth guard
	s.guard = auth.NewGuard(cfg.SigTolerance, s.sessions)

	// Per-kind quotas
	s.fundQuota = ratelimit.NewQuota(ratelimit.QuotaConfig{
		Kind:   "fund",
		Limit:  cfg.FundOpsPerHour,
		Window: time.Hour,
	})
	s.inferQuota = ratelimit.NewQuota(ratelimit.QuotaConfig{
		Kind:   "infer",
		Limit:  cfg.InferQueriesPerDay,
		Window: 24 * time.Hour,
	})

	s.brokerCfg = broker.Config{
		WaitTimeout:      cfg.WaitTimeout,
		ConfirmAttempts:  cfg.ConfirmAttempts,
		ConfirmBaseDelay: cfg.ConfirmBaseDelay,
		BalanceFallback:  cfg.ConfirmBalanceFallback,
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupHealthChecks()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting. Burst is a slice of the per-minute limit, floored at
	// one so tight limits still admit requests.
	burst := s.cfg.RateLimitPerMinute / 6
	if burst < 1 {
		burst = 1
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for pending-operation notifications
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	// Delegated broker operations
	brokerGroup := v1.Group("/broker")
	{
		brokerGroup.POST("/init", s.guard.RequireInit(), s.initHandler)
		brokerGroup.GET("/balance/:address", validation.AddressParamMiddleware(), s.guard.RequireBalance(), s.balanceHandler)
		brokerGroup.POST("/fund", s.guard.RequireFund(), s.fundQuota.Middleware(), s.fundHandler)
		brokerGroup.POST("/acknowledge/:provider", s.guard.RequireAcknowledge(), s.acknowledgeHandler)
		brokerGroup.POST("/headers", s.guard.RequireInfer(), s.inferQuota.Middleware(), s.headersHandler)
		brokerGroup.POST("/settle", s.guard.RequireSettle(), s.settleHandler)
	}

	// Signature rendezvous (wallet side)
	ph := pending.NewHandler(s.registry, s.cfg.WaitTimeout, auth.VerifiedAddress)
	sigGroup := v1.Group("/signature")
	{
		sigGroup.GET("/pending/:address", validation.AddressParamMiddleware(), s.guard.RequirePendingList(), ph.List)
		sigGroup.POST("/provide", s.guard.RequireProvide(), ph.Provide)
		sigGroup.GET("/wait/:operationId", s.guard.RequireWait(), ph.Wait)
		sigGroup.DELETE("/cancel/:operationId", s.guard.RequireCancel(), ph.Cancel)
	}

	// Usage history (read-only)
	history.NewHandler(s.history).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		// A ledger read for the zero address is the cheapest full-path probe.
		if _, err := s.chain.GetLedger(ctx, common.Address{}); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})

	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses)+2)
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}
	checks["pending_operations"] = fmt.Sprintf("%d", s.registry.Size())
	checks["sessions"] = fmt.Sprintf("%d", s.sessions.Len())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * s.cfg.WaitTimeout, // long-poll wait must fit
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start websocket hub
	go s.hub.Run(runCtx)

	// DB pool metrics
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.registry.Stop()
	s.sessions.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.fundQuota.Stop()
	s.inferQuota.Stop()

	if s.chainOwned != nil {
		s.chainOwned.Close()
		s.logger.Info("chain client closed")
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
