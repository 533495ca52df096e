package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"risk-gated-trader/internal/auth"
	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/engine"
	"risk-gated-trader/internal/events"
	"risk-gated-trader/internal/logging"
)

// Trader is what the engine exposes to operators
type Trader interface {
	Status() engine.Status
	Positions() []domain.Position
	ResetCircuit(operator string)
	TripCircuit(operator, reason string, cooldown time.Duration) circuit.Status
	ResetCompliance(operator string, startingBalance float64)
}

// DecisionReader reads the decision journal. Optional.
type DecisionReader interface {
	RecentDecisions(ctx context.Context, limit int) ([]domain.DecisionRecord, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              int             `json:"port"`
	Host              string          `json:"host"`
	ProductionMode    bool            `json:"production_mode"`
	AllowedOrigins    []string        `json:"allowed_origins"`
	RequestsPerMinute int             `json:"requests_per_minute"` // per client IP
	TokenMinutes      int             `json:"token_minutes"`
	JWTSecret         string          `json:"-"`
	Operators         []auth.Operator `json:"operators"`
}

// DefaultServerConfig returns default API settings
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:              8090,
		Host:              "127.0.0.1",
		AllowedOrigins:    []string{"http://localhost:5173"},
		RequestsPerMinute: 120,
		TokenMinutes:      60,
	}
}

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per key with a burst of the same size
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	trader      Trader
	decisions   DecisionReader
	jwt         *auth.JWTManager
	rateLimiter *RateLimiter
	hub         *WSHub
	stopHub     context.CancelFunc
	logger      zerolog.Logger

	probesMu sync.RWMutex
	probes   map[string]func() interface{}
}

// NewServer creates the operator API. decisions and bus may be nil.
func NewServer(config ServerConfig, trader Trader, decisions DecisionReader, bus *events.EventBus, logger zerolog.Logger) (*Server, error) {
	if config.JWTSecret == "" {
		return nil, errors.New("api: jwt secret is required")
	}
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	tokenTTL := time.Duration(config.TokenMinutes) * time.Minute
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}

	s := &Server{
		router:      router,
		config:      config,
		trader:      trader,
		decisions:   decisions,
		jwt:         auth.NewJWTManager(config.JWTSecret, tokenTTL),
		rateLimiter: NewRateLimiter(config.RequestsPerMinute),
		hub:         NewWSHub(logger),
		probes:      make(map[string]func() interface{}),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	hubCtx, stopHub := context.WithCancel(context.Background())
	s.stopHub = stopHub
	go s.hub.Run(hubCtx)
	if bus != nil {
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}
	s.setupRoutes()
	return s, nil
}

// rateLimitMiddleware limits requests per client IP
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/api/health", s.handleHealth)
	s.router.POST("/api/auth/token", s.handleToken)

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.jwt))
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/diagnostics", s.handleDiagnostics)
		api.GET("/ws", s.handleWebSocket)

		reset := api.Group("/reset")
		reset.Use(auth.RequireOperator())
		{
			reset.POST("/circuit", s.handleResetCircuit)
			reset.POST("/compliance", s.handleResetCompliance)
		}

		halt := api.Group("/circuit")
		halt.Use(auth.RequireOperator())
		halt.POST("/trip", s.handleTripCircuit)
	}
}

// AddDiagnostics registers a named probe reported by /api/diagnostics
func (s *Server) AddDiagnostics(name string, probe func() interface{}) {
	s.probesMu.Lock()
	s.probes[name] = probe
	s.probesMu.Unlock()
}

// Handler returns the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the event hub of a server that was never started
func (s *Server) Close() {
	s.stopHub()
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	defer s.stopHub()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}
