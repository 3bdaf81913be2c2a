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
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/clock"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/disputes"
	"github.com/mbd888/escrowd/internal/gateway"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/kyc"
	"github.com/mbd888/escrowd/internal/labels"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/offers"
	"github.com/mbd888/escrowd/internal/payouts"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/storage"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/transactions"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/migrations"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg   *config.Config
	clock clock.Clock
	store storage.Store
	db    *sql.DB // nil if using in-memory

	gateway      gateway.Gateway
	kycProvider  kyc.Provider
	notifier     notify.Notifier
	asyncSinks   []*notify.Async
	kafka        *notify.Kafka
	redis        *redis.Client
	realtimeHub  *realtime.Hub
	transactions *transactions.Service
	offers       *offers.Service
	disputes     *disputes.Service
	dispatcher   *payouts.Dispatcher
	accounts     *payouts.Accounts
	txTimer      *transactions.Timer
	offerTimer   *offers.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithStore sets the storage backend instead of the one DATABASE_URL selects (for testing)
func WithStore(store storage.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithGateway sets the payment gateway instead of the one PAYMENT_PROVIDER selects (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithKYCProvider sets the identity provider instead of KYC_PROVIDER_URL (for testing)
func WithKYCProvider(p kyc.Provider) Option {
	return func(s *Server) {
		s.kycProvider = p
	}
}

// WithClock sets the clock every service reads (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  clock.System(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set store/gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	if cfg.IsProduction() {
		for name, u := range map[string]string{"WEBHOOK_URL": cfg.WebhookURL, "KYC_PROVIDER_URL": cfg.KYCProviderURL} {
			if u == "" {
				continue
			}
			if err := security.ValidateEndpointURL(u, true); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Environment: cfg.Env,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio.InexactFloat64(),
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	// Payment gateway, wrapped with retry and a circuit breaker
	if s.gateway == nil {
		switch cfg.PaymentProvider {
		case "stripe":
			s.gateway = gateway.NewStripe(cfg.StripeSecretKey, cfg.StripeCurrency)
			s.logger.Info("payment gateway: stripe", "currency", cfg.StripeCurrency)
		default:
			s.gateway = gateway.NewSandbox()
			s.logger.Warn("payment gateway: sandbox, no real money moves")
		}
	}
	breaker := circuitbreaker.New(5, 30*time.Second).
		WithClock(s.clock).
		OnStateChange(func(op string, from, to circuitbreaker.State) {
			s.logger.Warn("payment gateway circuit changed", "op", op, "from", from.String(), "to", to.String())
		})
	gw := gateway.NewResilient(s.gateway, cfg.GatewayRetryAttempts, cfg.GatewayRetryBaseDelay, breaker)

	// Identity verification ceilings
	if s.kycProvider == nil && cfg.KYCProviderURL != "" {
		s.kycProvider = kyc.NewHTTPProvider(cfg.KYCProviderURL)
	}
	var gate *kyc.Gate
	if s.kycProvider != nil {
		gate = kyc.NewGate(s.kycProvider, cfg.KYCNoneLimit, cfg.KYCDocumentLimit)
		s.logger.Info("kyc ceilings enabled", "noneLimit", cfg.KYCNoneLimit, "documentLimit", cfg.KYCDocumentLimit)
	}

	// Notifications
	s.realtimeHub = realtime.NewHub(s.logger)
	if err := s.setupNotifier(ctx); err != nil {
		return nil, err
	}

	// Engine
	s.transactions = transactions.NewService(s.store, ledger.New(s.clock, s.logger), cfg.FeeRates()).
		WithClock(s.clock).
		WithWindows(cfg.PaymentWindow, cfg.ReceiptWindow).
		WithGateway(gw).
		WithKYC(gate).
		WithNotifier(s.notifier).
		WithLogger(s.logger)
	s.dispatcher = payouts.NewDispatcher(s.store, gw, s.transactions, s.logger).
		WithInterval(cfg.SweepInterval).
		WithMaxAttempts(cfg.PayoutMaxAttempts).
		WithNotifier(s.notifier)
	s.transactions.WithPayoutTrigger(s.dispatcher)
	s.accounts = payouts.NewAccounts(s.store, s.clock)
	s.offers = offers.NewService(s.store, s.transactions).
		WithTTL(cfg.OfferTTL, cfg.CounterTTL).
		WithKYC(gate).
		WithLogger(s.logger)
	s.disputes = disputes.NewService(s.store, s.transactions)
	s.txTimer = transactions.NewTimer(s.transactions, s.logger).WithInterval(cfg.SweepInterval)
	s.offerTimer = offers.NewTimer(s.offers, s.logger).WithInterval(cfg.SweepInterval)
	s.logger.Info("escrow engine ready",
		"buyerFeeRate", cfg.BuyerFeeRate.String(),
		"sellerFeeRate", cfg.SellerFeeRate.String(),
		"paymentWindow", cfg.PaymentWindow,
		"receiptWindow", cfg.ReceiptWindow,
	)

	// Health checks
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}
	s.health.Register("transaction_timer", health.Worker(s.txTimer.Running))
	s.health.Register("offer_timer", health.Worker(s.offerTimer.Running))
	s.health.Register("payout_dispatcher", health.Worker(s.dispatcher.Running))
	s.health.Register("payment_gateway", gw.Check, health.Optional())

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	validation.Register()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = storage.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db, s.logger); err != nil {
			_ = db.Close()
			return err
		}
	}

	s.db = db
	s.store = storage.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupNotifier fans events out to every configured sink. Each sink runs
// behind its own Async so a slow one cannot hold up the others. With Redis
// configured, the WebSocket hub is fed from the channel instead of
// directly, so every replica pushes to its own connected clients.
func (s *Server) setupNotifier(ctx context.Context) error {
	var sinks notify.Multi
	add := func(name string, n notify.Notifier) {
		a := notify.NewAsync(name, n, 64, 10*time.Second, s.logger)
		s.asyncSinks = append(s.asyncSinks, a)
		sinks = append(sinks, a)
	}

	add("log", notify.Log{Logger: s.logger})

	if s.cfg.WebhookURL != "" {
		add("webhook", notify.NewWebhook(s.cfg.WebhookURL, s.cfg.WebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}

	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafka(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		add("kafka", s.kafka)
		s.logger.Info("kafka notifications enabled", "topic", s.cfg.KafkaTopic)
	}

	if s.cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		add("redis", notify.NewRedis(client, s.cfg.RedisChannel))
		s.health.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}, health.Optional())
		s.logger.Info("redis fan-out enabled", "channel", s.cfg.RedisChannel)
	} else {
		sinks = append(sinks, s.realtimeHub)
	}

	s.notifier = sinks
	return nil
}

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
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS: configured origins, or any origin outside production
	origins := s.cfg.CORSAllowedOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Server span per request
	s.router.Use(traces.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Acting user, then rate limiting keyed on it
	s.router.Use(auth.Middleware())
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = max(rl.BurstSize, s.cfg.RateLimitRPM/6)
		rl.WriteRequestsPerMinute = max(1, s.cfg.RateLimitRPM/3)
		rl.WriteBurstSize = max(rl.WriteBurstSize, s.cfg.RateLimitRPM/18)
	}
	s.rateLimiter = ratelimit.New(rl).WithClock(s.clock)
	s.router.Use(s.rateLimiter.Middleware())
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
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Public reference data
	public := s.router.Group("/v1")
	labels.NewHandler().RegisterRoutes(public)

	// Participant API: every route acts as X-User-ID
	v1 := s.router.Group("/v1", auth.RequireUser(), validation.IDParamMiddleware())
	offerHandler := offers.NewHandler(s.offers)
	txHandler := transactions.NewHandler(s.transactions)
	disputeHandler := disputes.NewHandler(s.disputes)
	payoutHandler := payouts.NewHandler(s.accounts)
	offerHandler.RegisterRoutes(v1)
	txHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	payoutHandler.RegisterRoutes(v1)

	// Operator and mediator API
	admin := s.router.Group("/v1/admin", auth.RequireAdmin(s.cfg.AdminSecret), validation.IDParamMiddleware())
	offerHandler.RegisterAdminRoutes(admin)
	txHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	payoutHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// Live event stream for the acting user
	s.router.GET("/ws", auth.RequireUser(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.GetUserID(c))
	})

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.CheckAll(ctx)

	status, httpStatus := "healthy", http.StatusOK
	switch {
	case !rep.Healthy:
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    rep.Checks,
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

// Run starts the HTTP server and background workers and blocks until a
// signal, a server error, or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

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

func (s *Server) startWorkers(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	if s.redis != nil {
		notify.Subscribe(logging.WithLogger(ctx, s.logger), s.redis, s.cfg.RedisChannel, s.realtimeHub)
	}

	go s.txTimer.Start(ctx)
	go s.offerTimer.Start(ctx)
	go s.dispatcher.Start(ctx)
	// Deliver anything left pending by a previous process
	s.dispatcher.Trigger()

	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	}
}

// Shutdown stops accepting requests, stops the workers, drains pending
// notifications and closes connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, dispatcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if !s.cfg.IsDevelopment() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.txTimer.Stop()
	s.offerTimer.Stop()
	s.dispatcher.Stop()
	s.logger.Info("timers and payout dispatcher stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight notifications finish before closing their transports
	for _, a := range s.asyncSinks {
		if err := a.Wait(ctx); err != nil {
			s.logger.Warn("notifications still in flight at shutdown", "error", err)
			break
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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

// Router returns the gin engine (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Transactions returns the transaction service (for testing)
func (s *Server) Transactions() *transactions.Service {
	return s.transactions
}

// Dispatcher returns the payout dispatcher (for testing)
func (s *Server) Dispatcher() *payouts.Dispatcher {
	return s.dispatcher
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
