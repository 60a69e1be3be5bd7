package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/companion-lens/core/pkg/handlers/health"
	"github.com/companion-lens/core/pkg/handlers/jobstatus"
	"github.com/companion-lens/core/pkg/logger"
	"github.com/companion-lens/core/pkg/middleware"
)

// Deps are the collaborators the status server reads from
type Deps struct {
	Status     jobstatus.StatusSource
	Executions jobstatus.ExecutionLister
	Runner     jobstatus.Runner
	Checks     map[string]health.Pinger

	// RunToken guards the manual run route. Empty leaves the route unregistered.
	RunToken string
}

// Server exposes health and job status over HTTP
type Server struct {
	router   *http.ServeMux
	http     *http.Server
	addr     string
	logger   *logger.Logger
	runToken string
	handlers struct {
		health *health.Handler
		jobs   *jobstatus.Handler
	}
}

// New creates a new server instance listening on host:port
func New(host, port string, deps Deps, log *logger.Logger) *Server {
	server := &Server{
		router:   http.NewServeMux(),
		addr:     net.JoinHostPort(host, port),
		logger:   log,
		runToken: deps.RunToken,
	}

	server.handlers.health = health.NewHandler(log, deps.Checks)
	server.handlers.jobs = jobstatus.NewHandler(deps.Status, deps.Executions, deps.Runner, log)

	server.setupRoutes()

	server.http = &http.Server{
		Addr:              server.addr,
		Handler:           server.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", middleware.CORS(s.handlers.health.HealthCheck))

	s.router.HandleFunc("GET /api/jobs", middleware.CORS(s.handlers.jobs.List))
	s.router.HandleFunc("GET /api/jobs/{namespace}/{id}/executions", middleware.CORS(s.handlers.jobs.Executions))

	// destructive; bearer token only and no CORS, so browsers cannot trigger it cross-origin
	if s.runToken != "" {
		s.router.HandleFunc("POST /api/jobs/{namespace}/{id}/run", middleware.RequireToken(s.runToken, s.handlers.jobs.Run))
	}
}

// Handler returns the routed handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().
		Str("action", "server_start").
		Str("addr", s.addr).
		Msg("Starting status server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed to start on %s: %w", s.addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Str("action", "server_stop").Msg("Stopping status server")
	return s.http.Shutdown(ctx)
}
