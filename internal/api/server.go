// Package api exposes the cost engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/repository"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler())
	}

	router.Route("/catalog", func(r chi.Router) {
		r.Get("/protocols", handler.ListProtocols)
		r.Get("/items", handler.ListItems)
	})
	router.Get("/brackets", handler.ListBrackets)

	router.Post("/calculate", handler.Calculate)

	router.Route("/animals/{animalID}", func(r chi.Router) {
		r.Post("/apply", handler.Apply)
		r.Post("/costs", handler.AppendCost)
		r.Get("/costs", handler.ListCosts)
		r.Get("/total", handler.Total)
		r.Post("/costs/{entryID}/reverse", handler.Reverse)
	})
	router.Get("/costs/summary", handler.Summary)

	router.Post(repository.GatewayCostsPath, handler.GatewayWrite)
	router.Get(repository.GatewayCostsPath, handler.GatewayQuery)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
