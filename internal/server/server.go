// Package server sets up the HTTP server with all routes
package server

import (
	"context"
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

	"github.com/gin-gonic/gin"

	"github.com/proofmint/notarylistener/internal/auth"
	"github.com/proofmint/notarylistener/internal/chain"
	"github.com/proofmint/notarylistener/internal/config"
	"github.com/proofmint/notarylistener/internal/health"
	"github.com/proofmint/notarylistener/internal/idgen"
	"github.com/proofmint/notarylistener/internal/listener"
	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/metrics"
	"github.com/proofmint/notarylistener/internal/ratelimit"
	"github.com/proofmint/notarylistener/internal/realtime"
	"github.com/proofmint/notarylistener/internal/registry"
	"github.com/proofmint/notarylistener/internal/security"
	"github.com/proofmint/notarylistener/internal/traces"
	"github.com/proofmint/notarylistener/internal/validation"
	"github.com/proofmint/notarylistener/internal/webhooks"
)

const (
	healthCheckTimeout = 5 * time.Second
	shutdownTimeout    = 30 * time.Second
	dbStatsInterval    = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	registry     *registry.Registry
	connector    listener.Connector
	listenerOpts []listener.Option
	listener     *listener.Listener
	realtimeHub  *realtime.Hub
	webhooks     *webhooks.Dispatcher
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
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

// WithVersion sets the version reported by /health and /v1/info.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithRegistry uses reg instead of opening the configured backend.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithConnector replaces the go-ethereum connector (for testing).
func WithConnector(c listener.Connector) Option {
	return func(s *Server) {
		s.connector = c
	}
}

// WithListenerOptions forwards options to the escrow listener.
func WithListenerOptions(opts ...listener.Option) Option {
	return func(s *Server) {
		s.listenerOpts = append(s.listenerOpts, opts...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Pending escrow registry
	if s.registry == nil {
		reg, err := registry.Open(ctx, registry.Options{
			Backend:     cfg.RegistryBackend,
			Path:        cfg.RegistryPath,
			DatabaseURL: cfg.DatabaseURL,
			RedisURL:    cfg.RedisURL,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry: %w", err)
		}
		s.registry = reg
		if cfg.DatabaseURL != "" && cfg.RegistryBackend == "postgres" {
			s.logger.Info("registry connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))
		}
	}

	// Blockchain connector. Missing settings surface from Connect as
	// chain.ErrNotConfigured and leave the listener disabled.
	if s.connector == nil {
		s.connector = chainConnector(cfg, s.logger)
	}
	if missing := cfg.MissingBlockchainSettings(); len(missing) > 0 {
		s.logger.Warn("blockchain features disabled", "missing", missing)
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	notifiers := listener.Notifiers{s.realtimeHub}
	if cfg.WebhookURL != "" {
		s.webhooks = webhooks.NewDispatcher(webhooks.Config{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Events: cfg.WebhookEvents,
		}, s.logger)
		notifiers = append(notifiers, s.webhooks)
		s.logger.Info("webhook delivery enabled", "events", cfg.WebhookEvents)
	}

	listenerOpts := append([]listener.Option{listener.WithNotifier(notifiers)}, s.listenerOpts...)
	s.listener = listener.New(listenerConfig(cfg), s.connector, s.registry, s.logger, listenerOpts...)

	s.health = health.NewRegistry()
	s.health.Register("registry", health.PingCheck("registry", s.registry.Ping, healthCheckTimeout))
	s.health.Register("listener", s.listenerCheck)

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

func listenerConfig(cfg *config.Config) listener.Config {
	return listener.Config{
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
		ReconnectDelay:        cfg.ReconnectDelay,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		EventTimeout:          cfg.EventTimeout,
		FilterRefreshInterval: cfg.FilterRefreshInterval,
		LookbackBlocks:        cfg.LookbackBlocks,
	}
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (64KB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.RequestID()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	h := listener.NewHandler(s.listener)
	h.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	h.RegisterProtectedRoutes(protected)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, operator endpoints are unauthenticated")
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Listener  listener.Status `json:"listener"`
	Timestamp string          `json:"timestamp"`
}

// listenerCheck fails only when reconnects are exhausted. A disabled
// listener is reported but healthy, since the API still serves.
func (s *Server) listenerCheck(ctx context.Context) health.Status {
	st := s.listener.Status()
	switch {
	case st.RetriesExhausted:
		return health.Status{Healthy: false, Detail: "reconnect attempts exhausted: " + st.LastError}
	case st.DisabledReason != "":
		return health.Status{Healthy: true, Detail: "disabled: " + st.DisabledReason}
	default:
		return health.Status{Healthy: true, Detail: string(st.State)}
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Listener:  s.listener.Status(),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":              "notarylistener",
		"description":       "Releases escrowed payments when their document is notarized on chain",
		"version":           s.version,
		"blockchainEnabled": s.cfg.BlockchainEnabled(),
		"missingSettings":   s.cfg.MissingBlockchainSettings(),
		"registryBackend":   s.cfg.RegistryBackend,
		"notaryContract":    s.cfg.NotaryContract,
		"escrowContract":    s.cfg.EscrowContract,
		"webhookEnabled":    s.webhooks != nil,
		"chainId":           s.cfg.ChainID,
		"network":           chain.NetworkFor(s.cfg.ChainID).Name,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"registry", s.cfg.RegistryBackend,
			"pending", s.registry.Len(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if db := s.registry.DB(); db != nil {
		go metrics.StartDBStatsCollector(runCtx, db, dbStatsInterval)
	}

	go s.startListener(runCtx)

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

// startListener connects the escrow listener and marks the server ready.
// Neither a missing blockchain configuration nor an unreachable node stops
// the API from serving.
func (s *Server) startListener(ctx context.Context) {
	err := s.listener.Start(ctx)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrNotConfigured):
		s.logger.Warn("escrow listener disabled", "reason", err.Error())
	default:
		s.logger.Error("escrow listener failed to start", "error", err,
			"reconnecting", s.listener.Status().Reconnecting)
	}

	s.ready.Store(true)
	s.logger.Info("server ready", "listener", s.listener.Status().State)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.cfg.ShutdownDrain)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Detaches the subscription, stops every timer and waits for releases
	if err := s.listener.Shutdown(ctx); err != nil {
		s.logger.Error("listener shutdown error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	// Release outcomes published during listener shutdown are still delivered
	if s.webhooks != nil {
		if err := s.webhooks.Close(ctx); err != nil {
			s.logger.Warn("webhook deliveries abandoned", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.registry.Close(); err != nil {
		s.logger.Error("registry close error", "error", err)
	} else {
		s.logger.Info("registry closed")
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Listener returns the escrow listener.
func (s *Server) Listener() *listener.Listener {
	return s.listener
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// -----------------------------------------------------------------------------
// Chain Adapters
// -----------------------------------------------------------------------------

// chainConnector dials the configured node on every Connect.
func chainConnector(cfg *config.Config, logger *slog.Logger) listener.Connector {
	dialer := chain.NewDialer(chain.Config{
		RPCURL:              cfg.RPCURL,
		PrivateKey:          cfg.PrivateKey,
		ChainID:             cfg.ChainID,
		NotaryContract:      cfg.NotaryContract,
		EscrowContract:      cfg.EscrowContract,
		PollInterval:        cfg.PollInterval,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
	}, logger)

	return listener.ConnectorFunc(func(ctx context.Context) (listener.Ledger, listener.Escrow, error) {
		ledger, escrow, err := dialer.Connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		return ledger, &escrowAdapter{e: escrow}, nil
	})
}

// escrowAdapter adapts chain.Escrow to listener.Escrow
type escrowAdapter struct {
	e *chain.Escrow
}

func (a *escrowAdapter) Release(ctx context.Context, escrowID *big.Int) (listener.PendingTx, error) {
	tx, err := a.e.Release(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
