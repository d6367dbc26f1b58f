// Package server provides the HTTP surface: strategy upload and
// inspection, live signal requests, platform status and Prometheus
// metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evoquant/evoquant/internal/clock"
	"github.com/evoquant/evoquant/internal/database"
	"github.com/evoquant/evoquant/internal/memory"
	"github.com/evoquant/evoquant/internal/royalty"
	"github.com/evoquant/evoquant/internal/signal"
	"github.com/evoquant/evoquant/internal/strategy"
)

// Config holds server wiring.
type Config struct {
	Port     int
	DevMode  bool
	Log      zerolog.Logger
	Repo     *strategy.Repository
	Lineage  *strategy.LineageIndex
	History  *strategy.BacktestLog
	Signals  *signal.Gateway
	Royalty  *royalty.Emitter
	Recorder memory.Recorder
	Clock    clock.Clock
	Registry *prometheus.Registry

	// Databases are health-checked by the status endpoint.
	Databases []*database.DB
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    Config
	log    zerolog.Logger
}

// New builds the router and middleware stack.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/strategies", s.handleUpload)
		r.Get("/strategies/{id}", s.handleGetStrategy)
		r.Get("/strategies/{id}/lineage", s.handleLineage)
		r.Get("/strategies/{id}/backtests", s.handleBacktests)
		r.Get("/strategies/{id}/royalties", s.handleRoyalties)
		r.Post("/strategies/{id}/signal", s.handleSignal)
		r.Get("/status", s.handleStatus)
	})

	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}
}

// Start runs the listener; it blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
