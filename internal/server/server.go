// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/echo/internal/apierr"
	"github.com/mbd888/echo/internal/auth"
	"github.com/mbd888/echo/internal/circuitbreaker"
	"github.com/mbd888/echo/internal/config"
	"github.com/mbd888/echo/internal/custody"
	"github.com/mbd888/echo/internal/delivery"
	"github.com/mbd888/echo/internal/facilitator"
	"github.com/mbd888/echo/internal/gateway"
	"github.com/mbd888/echo/internal/health"
	"github.com/mbd888/echo/internal/idgen"
	"github.com/mbd888/echo/internal/inflight"
	"github.com/mbd888/echo/internal/ledger"
	"github.com/mbd888/echo/internal/logging"
	"github.com/mbd888/echo/internal/metrics"
	"github.com/mbd888/echo/internal/paywall"
	"github.com/mbd888/echo/internal/pricing"
	"github.com/mbd888/echo/internal/providers"
	"github.com/mbd888/echo/internal/ratelimit"
	"github.com/mbd888/echo/internal/security"
	"github.com/mbd888/echo/internal/settlement"
	"github.com/mbd888/echo/internal/validation"
	"github.com/mbd888/echo/internal/wallet"
)

// Version is reported by the health endpoint. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	authMgr      *auth.Manager
	ledger       ledger.Store
	settlement   *settlement.Service
	inflight     *inflight.Service
	inflightTmr  *inflight.Timer
	redisStore   *inflight.RedisStore // nil unless REDIS_URL is set
	facilitator  facilitator.Facilitator
	chain        *wallet.Reader // nil unless the local facilitator is in use
	gateway      *gateway.Service
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithFacilitator replaces the facilitator built from config (for testing)
func WithFacilitator(f facilitator.Facilitator) Option {
	return func(s *Server) {
		s.facilitator = f
	}
}

// WithAuthManager replaces the API-key manager built from config (for testing)
func WithAuthManager(m *auth.Manager) Option {
	return func(s *Server) {
		s.authMgr = m
	}
}

// WithLedger replaces the ledger store built from config (for testing)
func WithLedger(store ledger.Store) Option {
	return func(s *Server) {
		s.ledger = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(5 * time.Second),
	}

	// Apply options first (may set logger and test doubles)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	table, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing table: %w", err)
	}
	s.logger.Info("pricing table loaded", "models", len(table.Models()))

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var inflightStore inflight.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.health.RegisterPinger("postgres", db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		if s.ledger == nil {
			s.ledger = ledgerStore
		}

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		if s.authMgr == nil {
			s.authMgr = auth.NewManager(authStore, s.ledger, cfg.DefaultMarkup)
		}

		pgInflight := inflight.NewPostgresStore(db)
		if err := pgInflight.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate in-flight store", "error", err)
		}
		inflightStore = pgInflight
	} else {
		s.logger.Warn("using in-memory storage (data will not persist)")
		if s.ledger == nil {
			s.ledger = ledger.NewMemoryStore()
		}
		if s.authMgr == nil {
			s.authMgr = auth.NewManager(auth.NewMemoryStore(), s.ledger, cfg.DefaultMarkup)
		}
		inflightStore = inflight.NewMemoryStore()
	}

	// Redis takes over the in-flight counters when configured
	if cfg.RedisURL != "" {
		rs, err := inflight.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisStore = rs
		inflightStore = rs
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := rs.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("using Redis for in-flight counters")
	}

	s.settlement = settlement.NewService(s.ledger, table, settlement.Options{
		MinBalanceBuffer: cfg.MinBalanceBuffer,
		EchoFeeRate:      cfg.EchoFeeRate,
	}, s.logger)

	s.inflight = inflight.NewService(inflightStore, inflight.Options{
		Ceiling: cfg.InFlightCeiling,
		Enforce: cfg.InFlightEnforce,
	}, s.logger)
	s.inflightTmr = inflight.NewTimer(inflightStore, cfg.InFlightSweepInterval, cfg.InFlightTimeout, s.logger)

	pw := paywall.New(paywall.Config{
		Network:        cfg.Network,
		Asset:          cfg.USDCContract,
		PayTo:          cfg.PayTo,
		PaymentLinkURL: cfg.PaymentLinkURL,
		Realm:          "echo",
	})

	if s.facilitator == nil && pw.Enabled() {
		f, err := s.newFacilitator()
		if err != nil {
			return nil, err
		}
		s.facilitator = f
	}
	if s.facilitator == nil {
		s.logger.Warn("x402 payments disabled", "pay_to", cfg.PayTo, "mode", cfg.FacilitatorMode)
	}

	provCfg := providers.Config{
		OpenAI:    providers.Credentials{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL},
		Anthropic: providers.Credentials{APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL},
		Gemini:    providers.Credentials{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL},
	}
	if cfg.MediaProxyURL != "" {
		signer, err := providers.NewHMACSigner(cfg.MediaProxyURL, cfg.MediaSigningKey, cfg.MediaURLTTL)
		if err != nil {
			return nil, fmt.Errorf("media signer: %w", err)
		}
		provCfg.URLSigner = signer
		s.logger.Info("signing generated media links", "proxy", cfg.MediaProxyURL)
	}
	registry := providers.NewRegistry(provCfg)

	s.gateway = gateway.NewService(gateway.Deps{
		Registry:    registry,
		Upstream:    gateway.NewUpstream(&http.Client{}, circuitbreaker.New(5, 30*time.Second)),
		Delivery:    delivery.NewEngine(s.logger),
		Settlement:  s.settlement,
		InFlight:    s.inflight,
		Paywall:     pw,
		Facilitator: s.facilitator,
		Logger:      s.logger,
	})

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newFacilitator builds the x402 verifier/settler selected by FACILITATOR_MODE.
func (s *Server) newFacilitator() (facilitator.Facilitator, error) {
	cfg := s.cfg
	if cfg.FacilitatorMode == "proxy" {
		p := facilitator.NewProxy(cfg.FacilitatorURL, cfg.FacilitatorTimeout, s.logger)
		s.health.Register("facilitator", p.HealthCheck)
		s.logger.Info("using proxy facilitator", "url", cfg.FacilitatorURL)
		return p, nil
	}

	if cfg.CustodyURL == "" {
		s.logger.Warn("local facilitator needs CUSTODY_URL; x402 settlement unavailable")
		return nil, nil
	}

	chain, err := wallet.New(wallet.Config{RPCURL: cfg.RPCURL, USDCContract: cfg.USDCContract})
	if err != nil {
		return nil, fmt.Errorf("failed to create chain reader: %w", err)
	}
	s.chain = chain

	sender, err := custody.New(cfg.CustodyURL, cfg.CustodyAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create custody client: %w", err)
	}

	minGas, ok := new(big.Int).SetString(cfg.MinGasWei, 10)
	if !ok {
		return nil, fmt.Errorf("invalid MIN_GAS_WEI %q", cfg.MinGasWei)
	}

	local, err := facilitator.NewLocal(facilitator.LocalConfig{
		Network:           cfg.Network,
		Asset:             common.HexToAddress(cfg.USDCContract),
		PayTo:             common.HexToAddress(cfg.PayTo),
		ValidBeforeMargin: cfg.ValidBeforeMargin,
		MinGasWei:         minGas,
	}, chain, sender, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("using local facilitator", "network", cfg.Network, "pay_to", cfg.PayTo)
	return local, nil
}

// maskDSN redacts the password from a database connection string.
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
		ae := &apierr.Error{Kind: apierr.KindInternal, Message: "An unexpected error occurred"}
		c.AbortWithStatusJSON(ae.HTTPStatus(), ae.JSON())
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
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
		// Keep an upstream load balancer's ID when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})

	h := gateway.NewHandler(s.gateway)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	h.RegisterProxyRoutes(v1)
	h.RegisterAccountRoutes(v1)

	v1beta := s.router.Group("/v1beta")
	v1beta.Use(auth.Middleware(s.authMgr))
	h.RegisterGeminiRoutes(v1beta)
}

// -----------------------------------------------------------------------------
// Health
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

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: streamed completions routinely outlive any fixed
		// bound.
		IdleTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"x402", s.facilitator != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.inflightTmr.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
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

// Shutdown drains in-flight requests and releases resources. Open streams
// get the full drain window so their accounting still lands.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.inflightTmr.Stop()
	s.logger.Info("in-flight sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("chain reader close error", "error", err)
		}
	}

	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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

// Router returns the gin engine (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
