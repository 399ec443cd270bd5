package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/sentence-pooler/internal/cache"
	"github.com/raaihank/sentence-pooler/internal/config"
	"github.com/raaihank/sentence-pooler/internal/embeddings"
	"github.com/raaihank/sentence-pooler/internal/logger"
	"github.com/raaihank/sentence-pooler/internal/search"
	"github.com/raaihank/sentence-pooler/internal/vector"
	"github.com/raaihank/sentence-pooler/internal/websocket"
)

const statusInterval = 30 * time.Second

// CacheStatter reports embedding cache statistics
type CacheStatter interface {
	GetStats(ctx context.Context) (*cache.CacheStats, error)
}

// VectorStatter reports vector store statistics
type VectorStatter interface {
	GetStats(ctx context.Context) (*vector.VectorStats, error)
}

// Options carries the components the server exposes. Only Service is
// required.
type Options struct {
	Service *embeddings.Service
	Search  *search.Engine
	Cache   CacheStatter
	Vectors VectorStatter
	Version string
}

// Server serves the pooling and embedding HTTP API
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	service *embeddings.Service
	search  *search.Engine
	cache   CacheStatter
	vectors VectorStatter
	version string
	router  *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub
	limiter *RateLimiter
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc

	totalRequests   atomic.Int64
	totalEmbeddings atomic.Int64
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("embedding service is required")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		service: opts.Service,
		search:  opts.Search,
		cache:   opts.Cache,
		vectors: opts.Vectors,
		version: opts.Version,
		router:  mux.NewRouter(),
		limiter: NewRateLimiter(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.WebSocket.Enabled {
		ws := cfg.WebSocket
		s.wsHub = websocket.NewHub(&websocket.HubConfig{
			BroadcastPooling:     ws.Events.BroadcastPooling,
			BroadcastEmbedding:   ws.Events.BroadcastEmbedding,
			BroadcastSystem:      ws.Events.BroadcastSystem,
			BroadcastConnections: ws.Events.BroadcastConnections,
			Username:             ws.Username,
			Password:             ws.Password,
			MaxConnections:       ws.MaxConnections,
			ReadBufferSize:       ws.ReadBufferSize,
			WriteBufferSize:      ws.WriteBufferSize,
			PingInterval:         ws.PingInterval,
			PongTimeout:          ws.PongTimeout,
			WriteTimeout:         ws.WriteTimeout,
			MaxMessageSize:       ws.MaxMessageSize,
			AllowedOrigins:       ws.AllowedOrigins,
		}, log.WithComponent("websocket").Logger)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.wsHub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.Use(s.maxBodyMiddleware)
	api.HandleFunc("/pool", s.handlePool).Methods(http.MethodPost)
	api.HandleFunc("/embed", s.handleEmbed).Methods(http.MethodPost)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs background workers and serves HTTP until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting sentence pooler server",
		zap.String("addr", s.server.Addr),
		zap.String("default_strategy", string(s.service.DefaultStrategy())),
		zap.Bool("search_enabled", s.search != nil),
		zap.Bool("websocket_enabled", s.wsHub != nil),
	)

	if s.wsHub != nil {
		go s.wsHub.Run(s.ctx)
		go s.reportStatus(s.ctx)
	}
	go s.limiter.StartCleanup(s.ctx, s.config.RateLimit.CleanupInterval)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server and background workers
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping sentence pooler server")
	defer s.cancel()
	return s.server.Shutdown(ctx)
}

// UpdateRateLimit applies a reloaded rate limit configuration
func (s *Server) UpdateRateLimit(cfg config.RateLimitConfig) {
	s.limiter.Update(cfg.Enabled, cfg.RequestsPerSecond, cfg.Burst)
	s.logger.Info("Rate limit updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
		zap.Int("burst", cfg.Burst),
	)
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}

// reportStatus periodically broadcasts a system_status event
func (s *Server) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.wsHub.ClientCount() == 0 {
				continue
			}
			s.broadcast(websocket.Event{Type: websocket.EventTypeSystemStatus, Data: s.systemStatus(ctx)})
		}
	}
}

func (s *Server) systemStatus(ctx context.Context) websocket.SystemStatusEvent {
	status := "healthy"
	if err := s.service.HealthCheck(ctx); err != nil {
		status = "degraded"
	}
	connected := 0
	if s.wsHub != nil {
		connected = s.wsHub.ClientCount()
	}
	info := s.service.GetModelInfo()
	return websocket.SystemStatusEvent{
		Status:           status,
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		Backend:          fmt.Sprint(info["backend"]),
		DefaultStrategy:  string(s.service.DefaultStrategy()),
		TotalRequests:    s.totalRequests.Load(),
		TotalEmbeddings:  s.totalEmbeddings.Load(),
		ConnectedClients: connected,
	}
}

func (s *Server) broadcast(event websocket.Event) {
	if s.wsHub == nil {
		return
	}
	event.Timestamp = time.Now()
	s.wsHub.BroadcastEvent(event)
}
