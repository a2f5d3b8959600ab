package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	v1 "github.com/gosuda/followup/internal/api/v1"
	"github.com/gosuda/followup/internal/api/ws"
	"github.com/gosuda/followup/internal/config"
	"github.com/gosuda/followup/internal/server/middleware"
)

// Server is the HTTP server that wires the gateway, the REST API and metrics.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	hub        *ws.Hub
}

// New creates a Server with all routes wired. ctx bounds the lifetime of the
// background sweeper behind the per-IP upgrade throttle.
func New(ctx context.Context, cfg *config.Config, hub *ws.Hub, history v1.HistoryReader) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	s := &Server{
		router: router,
		hub:    hub,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// WebSocket gateway, reachable at the root for existing clients and at /ws.
	router.Group(func(r chi.Router) {
		r.Use(middleware.ThrottleByIP(ctx, cfg.Server.ConnectRPS, cfg.Server.ConnectBurst))
		registerWSRoutes(r, hub)
	})

	apiConfig := huma.DefaultConfig("Followup API", "1.0.0")
	api := humachi.New(router, apiConfig)
	registerAPIRoutes(api, history)

	router.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown closes gateway connections, waits for in-flight pipelines and then
// gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	hubErr := s.hub.Shutdown(ctx)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", errors.Join(hubErr, err))
	}
	if hubErr != nil {
		return fmt.Errorf("server.Shutdown: %w", hubErr)
	}
	return nil
}
