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
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mkarlsso/trustbook/internal/availability"
	"github.com/mkarlsso/trustbook/internal/booking"
	"github.com/mkarlsso/trustbook/internal/chain"
	"github.com/mkarlsso/trustbook/internal/config"
	"github.com/mkarlsso/trustbook/internal/escrow"
	"github.com/mkarlsso/trustbook/internal/events"
	"github.com/mkarlsso/trustbook/internal/health"
	"github.com/mkarlsso/trustbook/internal/logging"
	"github.com/mkarlsso/trustbook/internal/metrics"
	"github.com/mkarlsso/trustbook/internal/notify"
	"github.com/mkarlsso/trustbook/internal/ratelimit"
	"github.com/mkarlsso/trustbook/internal/realtime"
	"github.com/mkarlsso/trustbook/internal/reputation"
	"github.com/mkarlsso/trustbook/internal/security"
	"github.com/mkarlsso/trustbook/internal/traces"
	"github.com/mkarlsso/trustbook/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	bookings    booking.Store
	service     *booking.Service
	bridge      booking.SettlementBridge
	escrowStore escrow.Store
	chainClient *chain.Client // nil in demo mode
	reconciler  *escrow.Reconciler

	bus         *events.Bus
	realtimeHub *realtime.Hub
	notifier    *notify.Dispatcher
	notifyStore notify.Store

	autoConfirmTimer *booking.Timer
	reconcileTimer   *escrow.Timer
	rateLimiter      *ratelimit.Limiter
	checker          *health.Checker

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithBridge sets a custom settlement bridge (for testing)
func WithBridge(b booking.SettlementBridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set bridge/logger)
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

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.bookings = booking.NewPostgresStore(db)
		s.escrowStore = escrow.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.bookings = booking.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Event bus and subscribers
	s.bus = events.NewBus(s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus.Subscribe(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	s.notifier = notify.NewDispatcher(s.notifyStore, s.logger)
	s.bus.Subscribe(s.notifier)
	s.logger.Info("webhook notifications enabled")

	if cfg.ReputationURL != "" {
		s.bus.Subscribe(reputation.NewEmitter(cfg.ReputationURL, s.logger))
		s.logger.Info("reputation signals enabled", "url", cfg.ReputationURL)
	}

	// Settlement bridge: real chain when a signing key is configured,
	// demo settlement otherwise
	if s.bridge == nil {
		if cfg.PrivateKey != "" {
			cc, err := chain.New(chain.Config{
				RPCURL:         cfg.RPCURL,
				PrivateKey:     cfg.PrivateKey,
				ChainID:        cfg.ChainID,
				EscrowContract: cfg.EscrowContract,
				TokenContract:  cfg.TokenContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chain client: %w", err)
			}
			s.chainClient = cc
			s.bridge = escrow.NewBridge(cc, s.escrowStore, s.logger)
			s.reconciler = escrow.NewReconciler(s.escrowStore, cc, s.logger)
			s.reconcileTimer = escrow.NewTimer(s.reconciler, time.Minute, s.logger)
			s.logger.Info("on-chain settlement enabled",
				"chain_id", cfg.ChainID,
				"escrow_contract", cfg.EscrowContract,
				"signer", cc.Address(),
			)
		} else {
			s.bridge = escrow.NewDemoBridge(s.escrowStore, s.logger)
			s.logger.Info("demo settlement enabled (no signing key configured)")
		}
	}

	// Availability collaborator
	var avail booking.AvailabilityChecker
	if cfg.AvailabilityURL != "" {
		avail = availability.NewHTTPChecker(cfg.AvailabilityURL)
		s.logger.Info("availability checks enabled", "url", cfg.AvailabilityURL)
	} else {
		avail = availability.AllowAll{}
		s.logger.Info("availability checks disabled (all slots allowed)")
	}

	// Booking service
	s.service = booking.NewService(s.bookings, s.bridge, avail, s.bus, booking.ServiceConfig{
		Pricing: booking.PricingConfig{
			PlatformFeeBps: cfg.PlatformFeeBps,
			PropertyFeeBps: cfg.PropertyFeeBps,
		},
		Refunds: booking.RefundPolicy{
			FullRefundHours:    cfg.RefundFullHours,
			PartialRefundHours: cfg.RefundPartialHours,
			PartialRefundPct:   cfg.RefundPartialPct,
		},
		TreasuryAddr:      cfg.TreasuryAddress,
		EscrowCallTimeout: cfg.EscrowCallTimeout,
	}, s.logger)

	// Auto-confirm timer settles completed bookings the customer never
	// confirmed
	s.autoConfirmTimer = booking.NewTimer(s.service, s.bookings, cfg.AutoConfirmAfter, s.logger)

	// Health checks
	s.checker = health.New()
	if s.db != nil {
		s.checker.RegisterDB(s.db)
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
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
	s.router.Use(security.CORSMiddleware("*"))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(s.cfg.RateLimitRPM)
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
	s.router.GET("/health/live", s.checker.LiveHandler())
	s.router.GET("/health/ready", s.checker.ReadyHandler())
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	v1.GET("/platform", s.platformHandler)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	// Booking lifecycle
	bookingHandler := booking.NewHandler(s.service)
	bookingHandler.RegisterRoutes(v1)

	// Escrow operation inspection
	escrowHandler := escrow.NewHandler(s.escrowStore)
	escrowHandler.RegisterRoutes(v1)

	// Webhook subscription management
	notifyHandler := notify.NewHandler(s.notifyStore)
	notifyHandler.RegisterRoutes(v1)

	// Admin: force an immediate reconciliation sweep of open escrow
	// operations. Only available with a real chain client.
	if s.reconciler != nil {
		v1.POST("/admin/reconcile", s.reconcileHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   "0.1.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Trustbook",
		"description": "Escrow-backed service booking and settlement",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	})
}

// platformHandler returns platform settlement configuration
func (s *Server) platformHandler(c *gin.Context) {
	settlement := "demo"
	if s.chainClient != nil {
		settlement = "on-chain"
	}

	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "Trustbook",
			"version":        "0.1.0",
			"settlement":     settlement,
			"chainId":        s.cfg.ChainID,
			"escrowContract": s.cfg.EscrowContract,
			"tokenContract":  s.cfg.TokenContract,
		},
		"fees": gin.H{
			"platformFeeBps": s.cfg.PlatformFeeBps,
			"propertyFeeBps": s.cfg.PropertyFeeBps,
		},
		"refundPolicy": gin.H{
			"fullRefundHours":    s.cfg.RefundFullHours,
			"partialRefundHours": s.cfg.RefundPartialHours,
			"partialRefundPct":   s.cfg.RefundPartialPct,
		},
		"autoConfirmAfter": s.cfg.AutoConfirmAfter.String(),
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// reconcileHandler handles POST /v1/admin/reconcile
func (s *Server) reconcileHandler(c *gin.Context) {
	result, err := s.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op without an OTLP endpoint)
	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start auto-confirm timer
	go s.autoConfirmTimer.Start(runCtx)

	// Start escrow reconciliation timer
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	// Report connection pool stats
	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop auto-confirm timer
	if s.autoConfirmTimer != nil {
		s.autoConfirmTimer.Stop()
		s.logger.Info("auto-confirm timer stopped")
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain the event bus so queued notifications are delivered
	if s.bus != nil {
		s.bus.Close()
		s.logger.Info("event bus drained")
	}

	// Close chain connection
	if s.chainClient != nil {
		if err := s.chainClient.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
