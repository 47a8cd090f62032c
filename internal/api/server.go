// Package api serves the node's HTTP surface: the WebSocket upgrade
// endpoint, the health and drain endpoints, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	gateway "github.com/axonpuls/axonpuls/internal/api/websocket"
	"github.com/axonpuls/axonpuls/pkg/health"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/registry"
)

// Config tunes the HTTP listener.
type Config struct {
	ListenAddress string        `json:"listen_address" mapstructure:"listen_address"`
	ReadTimeout   time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	// DefaultDrainTimeout applies when a drain request carries no timeout.
	DefaultDrainTimeout time.Duration `json:"default_drain_timeout" mapstructure:"default_drain_timeout"`
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:       ":8080",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         90 * time.Second,
		DefaultDrainTimeout: 30 * time.Second,
	}
}

// Server is the node's HTTP front.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	config   Config
	gateway  *gateway.Server
	registry *registry.Registry
	checker  *health.HealthChecker
	logger   observability.Logger
	metrics  observability.MetricsClient

	// metricsHandler serves /metrics; nil disables the route.
	metricsHandler http.Handler
}

// NewServer creates the API server.
func NewServer(config Config, gw *gateway.Server, reg *registry.Registry, checker *health.HealthChecker, metricsHandler http.Handler, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if config.ListenAddress == "" {
		config = DefaultConfig()
	}
	if config.DefaultDrainTimeout <= 0 {
		config.DefaultDrainTimeout = DefaultConfig().DefaultDrainTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		config:   config,
		gateway:  gw,
		registry: reg,
		checker:  checker,
		logger:   logger.WithPrefix("api"),
		metrics:  metrics,
		server: &http.Server{
			Addr:         config.ListenAddress,
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		metricsHandler: metricsHandler,
	}

	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", gin.WrapF(s.gateway.HandleWebSocket))

	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/health/websocket", s.handleWebSocketHealth)
	s.router.POST("/health/drain", s.handleDrain)

	if s.metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.metricsHandler))
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving HTTP until the listener fails or Shutdown
// is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server listening", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReady reports whether this node should receive new sessions: it
// must not be draining and its components must not be unhealthy. Degraded
// still serves.
func (s *Server) handleReady(c *gin.Context) {
	if s.gateway.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}

	s.checker.RunChecks(c.Request.Context())
	agg := s.checker.GetAggregatedHealth()
	if agg.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, agg)
		return
	}
	c.JSON(http.StatusOK, agg)
}

// handleWebSocketHealth is the detailed per-component view.
func (s *Server) handleWebSocketHealth(c *gin.Context) {
	s.checker.RunChecks(c.Request.Context())
	agg := s.checker.GetAggregatedHealth()

	code := http.StatusOK
	if agg.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":            agg.Status,
		"message":           agg.Message,
		"checks":            agg.Checks,
		"last_checked":      agg.LastChecked,
		"local_connections": s.gateway.ConnectionCount(),
		"draining":          s.gateway.IsDraining(),
	})
}

type drainRequest struct {
	TimeoutMS int `json:"timeout_ms"`
}

// handleDrain starts graceful removal: the registry record flips to
// draining (so peers stop targeting this node), the gateway stops
// admitting sessions, and after the timeout the node unregisters and
// closes remaining sockets.
func (s *Server) handleDrain(c *gin.Context) {
	var req drainRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "message": "invalid drain request"})
		return
	}

	timeout := s.config.DefaultDrainTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	if err := s.registry.SetDraining(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "drain_failed", "message": err.Error()})
		return
	}
	s.gateway.SetDraining(true)

	go func() {
		time.Sleep(timeout)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.registry.Unregister(ctx); err != nil {
			s.logger.Warn("Unregister after drain failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		s.gateway.CloseAll("node draining")
	}()

	s.logger.Info("Drain initiated", map[string]interface{}{
		"timeout": timeout.String(),
	})
	c.JSON(http.StatusAccepted, gin.H{
		"status":     "draining",
		"timeout_ms": int(timeout / time.Millisecond),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// The WebSocket route logs its own lifecycle.
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Debug("HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		s.metrics.IncrementCounterWithLabels("http_requests_total", 1, map[string]string{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
	}
}
