// Package api exposes the reconciliation service over HTTP for the dashboard.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ledger-recon-engine/internal/api/handlers"
	"ledger-recon-engine/internal/api/middleware"
	"ledger-recon-engine/pkg/logger"
)

// Config holds API server configuration.
type Config struct {
	Port           int           `json:"port" yaml:"port"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxUploadBytes bounds multipart record uploads held in memory
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: middleware.DefaultCORSConfig().AllowedOrigins,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxUploadBytes: 32 << 20,
	}
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	router     *gin.Engine
	httpServer *http.Server
	logger     logger.Logger
	service    handlers.Service
}

// NewServer creates a new API server over the reconciliation service.
func NewServer(cfg Config, service handlers.Service, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:  cfg,
		router:  gin.New(),
		logger:  log.WithComponent("api"),
		service: service,
	}
	if cfg.MaxUploadBytes > 0 {
		s.router.MaxMultipartMemory = cfg.MaxUploadBytes
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures global middleware.
func (s *Server) setupMiddleware() {
	corsConfig := middleware.DefaultCORSConfig()
	if len(s.config.AllowedOrigins) > 0 {
		corsConfig.AllowedOrigins = s.config.AllowedOrigins
	}

	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.CORS(corsConfig))
	s.router.Use(middleware.Logging(s.logger))
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", handlers.NewHealthHandler().Get)

	runs := handlers.NewRunsHandler(s.service, s.logger)
	exceptions := handlers.NewExceptionsHandler(s.service, s.logger)
	matches := handlers.NewMatchesHandler(s.service, s.logger)
	decisions := handlers.NewDecisionsHandler(s.service, s.logger)
	config := handlers.NewConfigHandler(s.service, s.logger)

	s.router.GET("/reconciliation", config.Scopes)

	r := s.router.Group("/reconciliation/:scope")
	{
		r.GET("/summary", runs.Summary)
		r.POST("/records", runs.Ingest)
		r.POST("/run", runs.Start)
		r.GET("/runs", runs.List)
		r.GET("/runs/:runId", runs.Get)
		r.POST("/runs/:runId/cancel", runs.Cancel)

		r.GET("/exceptions", exceptions.List)
		r.GET("/exceptions/:id", exceptions.Get)
		r.POST("/exceptions/:id/assign", exceptions.Assign)
		r.POST("/exceptions/:id/write-off", exceptions.WriteOff)

		r.GET("/suggestions", matches.ListSuggestions)
		r.POST("/suggestions/:id/accept", matches.Accept)
		r.POST("/suggestions/:id/reject", matches.Reject)
		r.GET("/matches", matches.List)
		r.POST("/matches/manual", matches.Manual)
		r.POST("/matches/:id/reverse", matches.Reverse)

		r.GET("/decisions", decisions.List)
		r.GET("/decisions/verify", decisions.Verify)

		r.GET("/config", config.Get)
		r.PUT("/config", config.Put)
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.WithField("addr", addr).Info("Starting API server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

// Router returns the gin engine for testing.
func (s *Server) Router() http.Handler {
	return s.router
}
