// Package api provides HTTP server setup and routing for the telemetry
// pipeline: chi router, middleware stack, health/readiness probes, and
// route registration for the ingest and export handlers. Readiness is
// delegated to internal/health.Registry so new dependencies register a
// probe instead of growing an inline handler.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/health"
	"github.com/agentpulse/telemetry-pipeline/internal/ingest"
	"github.com/agentpulse/telemetry-pipeline/internal/opscache"
	"github.com/agentpulse/telemetry-pipeline/internal/storage/postgres"
)

// Server wraps the HTTP router.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	port   int
}

// Config holds server configuration.
type Config struct {
	Port        int
	Logger      *zap.Logger
	Store       *postgres.Store
	RedisClient *redis.Client
	OpsCache    *opscache.Cache
}

// NewServer creates the router with its middleware stack and health routes.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	registry := health.NewRegistry()
	if cfg.Store != nil {
		registry.Register("postgres", func(ctx context.Context) error {
			return cfg.Store.Pool().Ping(ctx)
		})
	}
	if cfg.RedisClient != nil {
		registry.Register("redis", func(ctx context.Context) error {
			return cfg.RedisClient.Ping(ctx).Err()
		})
	}

	r.Route("/analytics/v1/status", func(r chi.Router) {
		r.Get("/healthz", healthzHandler)
		r.Get("/readyz", registry.Handler())
		if cfg.OpsCache != nil {
			r.Get("/queue", newQueueStatusHandler(cfg.OpsCache, cfg.Logger))
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	return &Server{router: r, logger: cfg.Logger, port: cfg.Port}
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterIngestRoutes wires the telemetry ingest endpoint.
func (s *Server) RegisterIngestRoutes(handler *ingest.Handler) {
	s.router.Post("/events", handler.PostEvents)
	s.router.Get("/health", handler.GetHealth)
}

// RegisterExportsRoutes wires export-job management routes.
func (s *Server) RegisterExportsRoutes(handler *ExportsHandler) {
	s.router.Route("/analytics/v1/orgs/{orgId}/exports", func(r chi.Router) {
		r.Post("/", handler.CreateExportJob)
		r.Get("/", handler.ListExportJobs)
		r.Get("/{jobId}", handler.GetExportJob)
		r.Get("/{jobId}/download", handler.GetExportDownloadURL)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
