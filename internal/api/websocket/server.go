package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/axonpuls/axonpuls/pkg/auth"
	"github.com/axonpuls/axonpuls/pkg/connections"
	"github.com/axonpuls/axonpuls/pkg/events"
	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/registry"
	"github.com/axonpuls/axonpuls/pkg/router"
)

// Config tunes the gateway.
type Config struct {
	// MaxConnections sheds new sessions when the local count reaches it.
	MaxConnections int `json:"max_connections" mapstructure:"max_connections"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	// PingInterval is the server-side keepalive period.
	PingInterval time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
	// SendBuffer is the per-connection outbound frame buffer.
	SendBuffer int `json:"send_buffer" mapstructure:"send_buffer"`
	// MessageRate and MessageBurst bound inbound frames per connection.
	MessageRate  float64 `json:"message_rate" mapstructure:"message_rate"`
	MessageBurst int     `json:"message_burst" mapstructure:"message_burst"`
	// InsecureSkipVerify disables origin checking; tests only.
	InsecureSkipVerify bool `json:"-" mapstructure:"-"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		SendBuffer:     64,
		MessageRate:    20,
		MessageBurst:   40,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MessageRate <= 0 {
		c.MessageRate = d.MessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = d.MessageBurst
	}
	return c
}

// Server accepts and owns the node's client sessions.
type Server struct {
	config   Config
	auth     auth.Provider
	manager  *connections.Manager
	registry *registry.Registry
	router   *router.Router
	stream   *events.Stream
	clock    models.Clock
	logger   observability.Logger
	metrics  observability.MetricsClient

	draining atomic.Bool

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewServer creates the gateway.
func NewServer(config Config, authProvider auth.Provider, manager *connections.Manager, reg *registry.Registry, rt *router.Router, stream *events.Stream, clock models.Clock, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Server{
		config:   config.normalized(),
		auth:     authProvider,
		manager:  manager,
		registry: reg,
		router:   rt,
		stream:   stream,
		clock:    clock,
		logger:   logger.WithPrefix("websocket"),
		metrics:  metrics,
		conns:    make(map[string]*Connection),
	}
}

// SetDraining flips new-session admission. Existing sessions are untouched.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// IsDraining reports whether new sessions are being rejected.
func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

// ConnectionCount returns the number of open local sockets.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HandleWebSocket upgrades one request into a managed session.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, `{"code":"draining","message":"node is draining"}`, http.StatusServiceUnavailable)
		return
	}
	if s.manager.LocalCount() >= s.config.MaxConnections {
		s.metrics.IncrementCounterWithLabels("websocket_rejected_total", 1, map[string]string{"reason": "capacity"})
		http.Error(w, `{"code":"capacity","message":"node is at capacity"}`, http.StatusServiceUnavailable)
		return
	}

	claims, err := s.auth.Authenticate(r)
	if err != nil {
		s.metrics.IncrementCounterWithLabels("websocket_rejected_total", 1, map[string]string{"reason": "auth"})
		http.Error(w, `{"code":"unauthorized","message":"authentication failed"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.config.InsecureSkipVerify,
	})
	if err != nil {
		s.logger.Warn("WebSocket accept failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	session := &models.Session{
		ID:         models.NewID(),
		UserID:     claims.UserID,
		OrgID:      claims.OrgID,
		ServerID:   s.registry.ServerID(),
		SocketID:   models.NewID(),
		ClientType: claims.ClientType,
		Status:     models.SessionStatusConnected,
	}

	ctx := r.Context()
	if err := s.manager.Register(context.WithoutCancel(ctx), session); err != nil {
		// The admission check above races with concurrent upgrades; the
		// manager holds the authoritative count.
		if errors.Is(err, connections.ErrCapacity) {
			s.metrics.IncrementCounterWithLabels("websocket_rejected_total", 1, map[string]string{"reason": "capacity"})
			ws.Close(websocket.StatusTryAgainLater, "node is at capacity")
			return
		}
		s.logger.Error("Session registration failed", map[string]interface{}{
			"session_id": session.ID,
			"error":      err.Error(),
		})
		ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	conn := newConnection(s, ws, session)
	s.mu.Lock()
	s.conns[session.ID] = conn
	s.mu.Unlock()
	s.metrics.RecordGauge("websocket_local_connections", float64(s.ConnectionCount()), nil)

	s.logger.Info("Session connected", map[string]interface{}{
		"session_id": session.ID,
		"org_id":     session.OrgID,
		"user_id":    session.UserID,
	})

	conn.run()
}

// CloseAll tears down every open socket; used on shutdown after the drain
// window has elapsed.
func (s *Server) CloseAll(reason string) {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.StatusGoingAway, reason)
	}
}

func (s *Server) dropConnection(sessionID string) {
	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
	s.metrics.RecordGauge("websocket_local_connections", float64(s.ConnectionCount()), nil)
}
