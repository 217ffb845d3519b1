// Package api serves the operator control surface: engine lifecycle,
// status, breaker checks, attribution and the live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perp-autopilot/internal/auth"
	"perp-autopilot/internal/autopilot"
	"perp-autopilot/internal/circuit"
	"perp-autopilot/internal/domain"
	"perp-autopilot/internal/events"
	"perp-autopilot/internal/metrics"
	"perp-autopilot/internal/portfolio"
)

// Engine is the controller surface exposed over HTTP
type Engine interface {
	Start(ctx context.Context, operatorID string) error
	Stop()
	Status() autopilot.Status
	Tracked() []domain.TrackedTrade
	CheckBreaker(ctx context.Context) circuit.Status
}

// Recomputer runs an on-demand attribution pass
type Recomputer interface {
	Run(ctx context.Context) (portfolio.Result, error)
}

// Ledger serves read-only ledger views
type Ledger interface {
	ListAttributions(ctx context.Context) ([]domain.PortfolioAttribution, error)
	ListJournal(ctx context.Context, limit int) ([]domain.JournalEntry, error)
}

// HealthChecker reports backing store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             int
	Host             string
	AllowedOrigins   []string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ProductionMode   bool
	DefaultOperator  string  // operator id used when auth is disabled
	ControlPerMinute float64 // rate limit for control endpoints
}

// Deps are the server collaborators. Engine is required; JWT nil disables auth.
type Deps struct {
	Engine     Engine
	Recomputer Recomputer
	Ledger     Ledger
	Health     HealthChecker
	Bus        *events.EventBus
	Metrics    *metrics.Metrics
	JWT        *auth.JWTManager
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	engine     Engine
	recomputer Recomputer
	ledger     Ledger
	health     HealthChecker
	metrics    *metrics.Metrics
	jwt        *auth.JWTManager
	hub        *WSHub
	logger     zerolog.Logger
	startedAt  time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.DefaultOperator == "" {
		config.DefaultOperator = "local"
	}
	if config.ControlPerMinute <= 0 {
		config.ControlPerMinute = 30
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:     router,
		config:     config,
		engine:     deps.Engine,
		recomputer: deps.Recomputer,
		ledger:     deps.Ledger,
		health:     deps.Health,
		metrics:    deps.Metrics,
		jwt:        deps.JWT,
		logger:     logger.With().Str("component", "APIServer").Logger(),
		startedAt:  time.Now(),
		limiters:   make(map[string]*rate.Limiter),
	}
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	if deps.Bus != nil {
		s.hub = NewWSHub(deps.Bus, logger)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	authMW := auth.Anonymous(s.config.DefaultOperator)
	if s.jwt != nil {
		authMW = auth.Middleware(s.jwt)
	}

	if s.hub != nil {
		s.router.GET("/ws/events", authMW, s.handleWebSocket)
	}

	api := s.router.Group("/api", authMW)
	{
		api.GET("/status", s.handleStatus)
		api.GET("/tracked", s.handleTracked)
		api.GET("/portfolio/attribution", s.handleAttribution)
		api.GET("/journal", s.handleJournal)

		control := api.Group("", auth.RequireControl(), s.rateLimitMiddleware())
		control.POST("/engine/start", s.handleStart)
		control.POST("/engine/stop", s.handleStop)
		control.POST("/circuit-breaker/check", s.handleBreakerCheck)
		control.POST("/portfolio/recompute", s.handleRecompute)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	readTimeout, writeTimeout := s.config.ReadTimeout, s.config.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// rateLimitMiddleware limits control requests per endpoint
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		s.limiterMu.Lock()
		limiter, ok := s.limiters[path]
		if !ok {
			perMinute := s.config.ControlPerMinute
			limiter = rate.NewLimiter(rate.Limit(perMinute/60), max(1, int(perMinute/4)))
			s.limiters[path] = limiter
		}
		s.limiterMu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":         "healthy",
		"engine_running": s.engine.Status().Running,
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			body["status"] = "unhealthy"
			body["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "healthy"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.engine.Status())
}

func (s *Server) handleTracked(c *gin.Context) {
	tracked := s.engine.Tracked()
	if tracked == nil {
		tracked = []domain.TrackedTrade{}
	}
	successResponse(c, tracked)
}

func (s *Server) handleStart(c *gin.Context) {
	operatorID := auth.GetOperatorID(c)
	if err := s.engine.Start(c.Request.Context(), operatorID); err != nil {
		if errors.Is(err, autopilot.ErrStopping) {
			errorResponse(c, http.StatusConflict, err.Error())
			return
		}
		s.logger.Warn().Err(err).Str("operator_id", operatorID).Msg("Engine start failed")
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, s.engine.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.engine.Stop()
	s.logger.Info().Str("operator_id", auth.GetOperatorID(c)).Msg("Engine stop requested over API")
	successResponse(c, s.engine.Status())
}

func (s *Server) handleBreakerCheck(c *gin.Context) {
	status := s.engine.CheckBreaker(c.Request.Context())
	successResponse(c, gin.H{
		"status":             status,
		"recommended_action": circuit.RecommendedAction(status.Level),
	})
}

func (s *Server) handleRecompute(c *gin.Context) {
	if s.recomputer == nil {
		errorResponse(c, http.StatusServiceUnavailable, "attribution is not configured")
		return
	}
	result, err := s.recomputer.Run(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual attribution recompute failed")
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"skipped":     result.Skipped,
		"agents":      result.Agents,
		"written":     result.Written,
		"failed":      result.Failed,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func (s *Server) handleAttribution(c *gin.Context) {
	if s.ledger == nil {
		errorResponse(c, http.StatusServiceUnavailable, "ledger is not configured")
		return
	}
	rows, err := s.ledger.ListAttributions(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rows)
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.ledger == nil {
		errorResponse(c, http.StatusServiceUnavailable, "ledger is not configured")
		return
	}
	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := s.ledger.ListJournal(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, entries)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
