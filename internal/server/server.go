package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/server/handler"
	"github.com/alanyoungcy/arbbuyer/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        middleware.AuthConfig
	// RateLimit is the per-caller request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Candidates *handler.CandidateHandler
	Rules      *handler.RuleHandler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the full handler chain.
func Routes(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	scoped := middleware.OrgScope

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	c := handlers.Candidates
	mux.HandleFunc("POST /api/orgs/{org}/candidates/evaluate", scoped(c.Evaluate))
	mux.HandleFunc("GET /api/orgs/{org}/candidates", scoped(c.List))
	mux.HandleFunc("POST /api/orgs/{org}/candidates/enqueue", scoped(c.Enqueue))
	mux.HandleFunc("GET /api/orgs/{org}/candidates/{id}", scoped(c.Get))
	mux.HandleFunc("POST /api/orgs/{org}/candidates/{id}/requeue", scoped(c.Requeue))
	mux.HandleFunc("POST /api/orgs/{org}/candidates/{id}/cancel", scoped(c.Cancel))
	mux.HandleFunc("GET /api/orgs/{org}/candidates/{id}/audit", scoped(c.Audit))
	mux.HandleFunc("GET /api/orgs/{org}/summary", scoped(c.Summary))
	mux.HandleFunc("GET /api/orgs/{org}/export.csv", scoped(c.Export))
	mux.HandleFunc("GET /api/orgs/{org}/exports", scoped(c.Exports))
	mux.HandleFunc("GET /api/orgs/{org}/exports/{name}", scoped(c.DownloadExport))

	mux.HandleFunc("GET /api/orgs/{org}/rules", scoped(handlers.Rules.Get))
	mux.HandleFunc("PUT /api/orgs/{org}/rules", scoped(middleware.RequireRole(middleware.RoleAdmin, handlers.Rules.Put)))

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	auth := cfg.Auth
	auth.Public = append(slices.Clone(auth.Public), "/api/health")
	h = middleware.Auth(auth)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
