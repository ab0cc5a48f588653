// Package server sets up the reference escrow backend: the record store
// HTTP API, the realtime hub and the background payment re-check.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowsync/internal/auth"
	"github.com/mbd888/escrowsync/internal/chain"
	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/directory"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/ratelimit"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/security"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/validation"
)

// Version is reported by the health endpoint.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	escrowStore   escrow.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	messages      *messages.Service
	directory     *directory.Directory
	memDirectory  *directory.MemoryStore // nil with Postgres
	chain         *chain.Checker
	deposits      escrow.DepositChecker
	addresses     escrow.AddressAllocator
	hub           *realtime.Hub
	authMgr       *auth.Manager
	rateLimiter   *ratelimit.Limiter
	checkLimiter  *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithDeposits replaces the crypto rail (for testing)
func WithDeposits(checker escrow.DepositChecker, allocator escrow.AddressAllocator) Option {
	return func(s *Server) {
		s.deposits = checker
		s.addresses = allocator
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	authMgr, err := auth.NewManager(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	s.authMgr = authMgr

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		messageStore messages.Store
		dirStore     directory.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		messageStore = messages.NewPostgresStore(db)
		dirStore = directory.NewPostgresStore(db)
		s.health.Register("database", db.PingContext, 2*time.Second, true)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		messageStore = messages.NewMemoryStore()
		s.memDirectory = directory.NewMemoryStore()
		dirStore = s.memDirectory
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.directory = directory.New(dirStore)

	if err := s.setupDeposits(ctx); err != nil {
		s.closeResources()
		return nil, err
	}

	// Realtime hub. Subscribers only see threads they take part in.
	s.hub = realtime.NewHub(s.logger).WithAuthorizer(s.authorizeTopic)

	s.escrowService = escrow.NewService(s.escrowStore, s.logger).
		WithDeposits(s.deposits, s.addresses).
		WithPayPal(escrow.NewSandboxPayPal()).
		WithProfiles(s.directory).
		WithPublisher(s.hub).
		WithRequiredConfirmations(cfg.RequiredConfirmations)

	s.messages = messages.NewService(messageStore, s.escrowService, s.logger).
		WithDirectory(s.directory).
		WithPublisher(s.hub)
	s.escrowService.WithMessenger(s.messages)

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, cfg.PaymentRecheckInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupDeposits selects the crypto rail: an on-chain checker when an RPC
// endpoint is configured, otherwise the simulated rail.
func (s *Server) setupDeposits(ctx context.Context) error {
	if s.deposits != nil {
		return nil
	}
	if !s.cfg.ChainEnabled() {
		sim := escrow.NewSimulatedDeposits()
		s.deposits, s.addresses = sim, sim
		s.logger.Warn("crypto deposits are simulated (RPC_URL not set)")
		return nil
	}

	chainCfg := chain.DefaultConfig()
	chainCfg.RPCURL = s.cfg.RPCURL
	chainCfg.TokenContract = common.HexToAddress(s.cfg.TokenContract)
	chainCfg.TokenDecimals = s.cfg.TokenDecimals

	checker, err := chain.Dial(ctx, chainCfg, s.logger)
	if err != nil {
		return err
	}
	pool := chain.NewPool(s.cfg.DepositAddresses)
	assigned, err := s.escrowStore.DepositAddresses(ctx)
	if err != nil {
		checker.Close()
		return fmt.Errorf("failed to load assigned deposit addresses: %w", err)
	}
	pool.Reserve(assigned...)

	s.chain = checker
	s.deposits, s.addresses = checker, pool
	s.health.Register("chain", checker.Ping, 5*time.Second, false)
	s.logger.Info("on-chain deposit checking enabled",
		"token", chainCfg.TokenContract.Hex(),
		"free_addresses", pool.Free(),
	)
	return nil
}

// authorizeTopic admits a realtime subscription when the user takes part
// in the watched escrow or conversation.
func (s *Server) authorizeTopic(ctx context.Context, userID, table string, filter realtime.Filter) bool {
	if userID == "" {
		return false
	}
	var (
		ok  bool
		err error
	)
	switch {
	case table == realtime.TableEscrows && filter.Column == "id":
		ok, err = s.escrowService.IsParticipant(ctx, filter.Value, userID)
	case table == realtime.TableEscrowMessages && filter.Column == "escrow_id":
		ok, err = s.messages.CanRead(ctx, messages.EscrowThread(filter.Value), userID)
	case table == realtime.TableConversationMessages && filter.Column == "conversation_id":
		ok, err = s.messages.CanRead(ctx, messages.ConversationThread(filter.Value), userID)
	}
	if err != nil && !errors.Is(err, escrow.ErrEscrowNotFound) {
		s.logger.Warn("realtime authorization failed", "table", table, "filter", filter.String(), "error", err)
	}
	return err == nil && ok
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

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Resolve the bearer token early so limits apply per user; /v1 routes
	// require it.
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/10)
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" && strings.HasPrefix(c.FullPath(), "/v1/escrows/") {
			ctx = logging.WithEscrowID(ctx, id)
		}
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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireAuth())

	s.checkLimiter = ratelimit.New(s.checkPaymentConfig())
	escrows := escrow.NewHandler(s.escrowService).
		WithCheckPaymentLimiter(s.checkLimiter.Middleware()).
		WithReturnURLPolicy(security.NewReturnURLPolicy(append([]string{s.cfg.PublicURL}, s.cfg.AllowedOrigins...)...)).
		WithWebhookSecret(s.cfg.PayPalWebhookSecret)
	escrows.RegisterProtectedRoutes(v1)
	if s.cfg.PayPalWebhookSecret == "" {
		s.logger.Warn("PAYPAL_WEBHOOK_SECRET not set; webhook signatures are not verified")
	}
	escrows.RegisterWebhookRoutes(s.router.Group("/v1"))
	messages.NewHandler(s.messages).RegisterProtectedRoutes(v1)

	v1.GET("/auth/me", auth.Me)
	v1.GET("/realtime", s.realtimeHandler)
}

func (s *Server) checkPaymentConfig() ratelimit.Config {
	cfg := ratelimit.CheckPaymentConfig()
	if s.cfg.CheckPaymentPerMinute > 0 {
		cfg.RequestsPerMinute = s.cfg.CheckPaymentPerMinute
		cfg.BurstSize = s.cfg.CheckPaymentPerMinute
	}
	return cfg
}

func (s *Server) realtimeHandler(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request, auth.GetAuthenticatedUser(c))
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    []health.Check         `json:"checks,omitempty"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.Run(ctx)

	httpStatus := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    rep.Status,
		Version:   Version,
		Checks:    rep.Checks,
		Realtime:  s.hub.Stats(),
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

// StartBackground starts the realtime hub, the payment re-check timer and
// the database stats collector. They stop when ctx ends or on Shutdown.
func (s *Server) StartBackground(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"chain", s.chain != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.StartBackground(ctx)
	s.logger.Info("server ready")

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

	// Cancel the context for all background goroutines (hub, timer, collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.closeResources()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeResources() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.checkLimiter != nil {
		s.checkLimiter.Stop()
	}
	if s.chain != nil {
		s.chain.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the token manager, used to mint development tokens.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}

// Escrows returns the escrow service.
func (s *Server) Escrows() *escrow.Service {
	return s.escrowService
}

// Messages returns the message service.
func (s *Server) Messages() *messages.Service {
	return s.messages
}

// Hub returns the realtime hub.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// DirectoryStore returns the in-memory profile and listing directory, or
// nil when profiles live in Postgres.
func (s *Server) DirectoryStore() *directory.MemoryStore {
	return s.memDirectory
}
