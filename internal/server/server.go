// Package server wires the ledger services into one HTTP server.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/yaqeenpay/ledger/internal/auth"
	"github.com/yaqeenpay/ledger/internal/circuitbreaker"
	"github.com/yaqeenpay/ledger/internal/config"
	"github.com/yaqeenpay/ledger/internal/escrow"
	"github.com/yaqeenpay/ledger/internal/fault"
	"github.com/yaqeenpay/ledger/internal/gateway"
	"github.com/yaqeenpay/ledger/internal/health"
	"github.com/yaqeenpay/ledger/internal/idgen"
	"github.com/yaqeenpay/ledger/internal/ledger"
	"github.com/yaqeenpay/ledger/internal/logging"
	"github.com/yaqeenpay/ledger/internal/metrics"
	"github.com/yaqeenpay/ledger/internal/ratelimit"
	"github.com/yaqeenpay/ledger/internal/reconciliation"
	"github.com/yaqeenpay/ledger/internal/security"
	"github.com/yaqeenpay/ledger/internal/topup"
	"github.com/yaqeenpay/ledger/internal/traces"
	"github.com/yaqeenpay/ledger/internal/validation"
	"github.com/yaqeenpay/ledger/internal/withdrawal"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg   *config.Config
	users *auth.ContextUser

	wallets     *ledger.Service
	escrows     *escrow.Service
	topups      *topup.Service
	withdrawals *withdrawal.Service
	reconciler  *reconciliation.Runner

	sandboxes      map[gateway.Channel]*gateway.Sandbox
	topupTimer     *topup.Timer
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
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

// WithDB uses an already opened pool instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		users:      auth.NewContextUser(cfg.AdminRole),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	shutdownTracing, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	gateways := s.setupGateways()

	var (
		walletStore     ledger.Store
		escrowStore     escrow.Store
		topupStore      topup.Store
		withdrawalStore withdrawal.Store
		walletLister    reconciliation.WalletLister
	)
	if s.db != nil {
		ls := ledger.NewPostgresStore(s.db)
		walletStore, walletLister = ls, ls
		escrowStore = escrow.NewPostgresStore(s.db)
		topupStore = topup.NewPostgresStore(s.db)
		withdrawalStore = withdrawal.NewPostgresStore(s.db)
		s.health.Register("database", health.Database("database", s.db, 2*time.Second))
	} else {
		// Every in-memory store shares the ledger's lock so one unit of
		// work can span an escrow and its wallets.
		ls := ledger.NewMemoryStore()
		walletStore, walletLister = ls, ls
		escrowStore = escrow.NewMemoryStore(ls)
		topupStore = topup.NewMemoryStore(ls)
		withdrawalStore = withdrawal.NewMemoryStore(ls)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	currency := cfg.DefaultCurrency
	s.wallets = ledger.NewService(walletStore, s.users, currency)
	s.escrows = escrow.NewService(escrowStore, s.users, currency)
	s.topups = topup.NewService(topupStore, s.users, gateways, currency)
	s.withdrawals = withdrawal.NewService(withdrawalStore, s.users, currency)
	s.reconciler = reconciliation.NewRunner(walletLister, s.wallets, s.logger)

	s.topupTimer = topup.NewTimer(s.topups, cfg.TopUpTTL, cfg.TopUpSweepInterval, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("topup_sweeper", health.Timer("topup_sweeper", s.topupTimer))
	s.health.Register("reconciliation", health.Timer("reconciliation", s.reconcileTimer))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupGateways registers a sandbox per online channel behind a shared
// circuit breaker.
func (s *Server) setupGateways() *gateway.Registry {
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit changed", "channel", key, "from", from.String(), "to", to.String())
	})

	registry := gateway.NewRegistry()
	s.sandboxes = make(map[gateway.Channel]*gateway.Sandbox)
	for _, ch := range []gateway.Channel{gateway.JazzCash, gateway.Easypaisa} {
		sb := gateway.NewSandbox(ch, s.cfg.GatewayBaseURL, s.cfg.TopUpTTL)
		s.sandboxes[ch] = sb
		registry.Register(gateway.WithBreaker(sb, breaker))
	}
	return registry
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
			"error":   "internal",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware())

	// Keyed by principal, so it runs after auth.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
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
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", health.Handler(s.health))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	topupHandler := topup.NewHandler(s.topups, s.users, s.cfg.WebhookSecret)
	handlers := []interface {
		RegisterRoutes(*gin.RouterGroup)
		RegisterAdminRoutes(*gin.RouterGroup)
	}{
		ledger.NewHandler(s.wallets, s.users),
		escrow.NewHandler(s.escrows, s.users),
		topupHandler,
		withdrawal.NewHandler(s.withdrawals, s.users),
	}

	v1 := s.router.Group("/v1")
	topupHandler.RegisterCallbackRoutes(v1)

	authed := v1.Group("", auth.RequireAuth())
	admin := authed.Group("/admin", auth.RequireRole(s.users, s.cfg.AdminRole))
	for _, h := range handlers {
		h.RegisterRoutes(authed)
		h.RegisterAdminRoutes(admin)
	}
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)

	if !s.cfg.IsProduction() {
		s.router.POST("/sandbox/:channel/settle", s.settleSandbox)
		s.logger.Info("sandbox settle endpoint enabled")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

// SettleRequest resolves a sandbox payment session.
type SettleRequest struct {
	GatewayReference string `json:"gatewayReference" binding:"required"`
	Paid             *bool  `json:"paid" binding:"required"`
}

// settleSandbox plays the provider in development: it settles the session
// and delivers the resulting callback in-process.
func (s *Server) settleSandbox(c *gin.Context) {
	channel, err := gateway.ParseChannel(c.Param("channel"))
	if err != nil {
		fault.Respond(c, err)
		return
	}
	sb, ok := s.sandboxes[channel]
	if !ok {
		fault.BadRequest(c, "channel has no sandbox")
		return
	}
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fault.BadRequest(c, "gatewayReference and paid are required")
		return
	}

	cb, err := sb.Settle(req.GatewayReference, *req.Paid)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	t, err := s.topups.HandleCallback(auth.AsSystem(c.Request.Context()), channel, cb)
	if err != nil {
		fault.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callback": cb, "topup": t})
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
		s.logger.Info("starting server", "port", s.cfg.Port, "currency", s.cfg.DefaultCurrency)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.topupTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.topupTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("background jobs stopped")

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
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
