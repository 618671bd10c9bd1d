// Package relay is the websocket fan-out server used by the websocket
// transport. It has no knowledge of documents beyond channel names: events
// published on a channel are forwarded to its other subscribers.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collaboration-core/internal/observability"
)

// Config holds relay configuration.
type Config struct {
	MaxMessageSize int64
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxClients     int
	SendBuffer     int

	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// allows every origin.
	AllowedOrigins []string
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 512 * 1024,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxClients:     1000,
		SendBuffer:     256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// Service serves the relay endpoints.
type Service struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	router   *mux.Router
	active   atomic.Int64
}

// NewService creates a relay. metrics may be nil; gatherer backs /metrics
// and defaults to the global registry.
func NewService(cfg Config, logger *slog.Logger, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Service {
	cfg = cfg.withDefaults()
	logger = observability.Component(logger, "relay")
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Service{
		hub:     NewHub(logger, metrics),
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r
	return s
}

// Start runs the hub.
func (s *Service) Start() {
	go s.hub.run()
	s.logger.Info("relay started", "max_clients", s.config.MaxClients)
}

// Shutdown disconnects every client and stops the hub.
func (s *Service) Shutdown() {
	s.logger.Info("shutting down relay")
	s.hub.Close()
}

// Handler returns the HTTP routes.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Stats returns the hub's client and subscription counts.
func (s *Service) Stats() Stats {
	return s.hub.Stats()
}

func (s *Service) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and attaches a client to the hub.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.active.Add(1) > int64(s.config.MaxClients) {
		s.active.Add(-1)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.active.Add(-1)
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn, s.config, s.logger)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		s.active.Add(-1)
		conn.Close()
		return
	}

	go func() {
		defer s.active.Add(-1)
		client.writePump()
	}()
	go client.readPump()

	s.logger.Debug("client connected", "client_id", client.id, "remote", r.RemoteAddr)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"clients":  st.Clients,
		"channels": len(st.Channels),
	})
}
