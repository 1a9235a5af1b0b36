// Package api serves scenario evaluation and policy administration over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/pipeline"
)

const (
	defaultMaxBodyBytes = 4 << 20
	readHeaderTimeout   = 10 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server routes HTTP requests to a Handler.
type Server struct {
	router *chi.Mux
	server *http.Server
	config domain.ServerConfig
}

// NewServer builds the router. repo, cache and bus may be nil; without a
// bus the async endpoint answers 503.
func NewServer(cfg domain.ServerConfig, service *pipeline.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Server {
	h := NewHandler(service, repo, cache, bus, version)

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(CORSMiddleware(cfg.AllowedOrigins))
	r.Use(RecoverMiddleware)
	r.Use(TracingMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequestSize(maxBody))
		api.Use(middleware.AllowContentType("application/json"))

		api.Group(func(g chi.Router) {
			g.Use(PolicyMiddleware(service.Registry()))
			evaluationRoutes(g, h)
		})
		policyRoutes(api, h)
		overlayRoutes(api, h)
	})

	return &Server{
		router: r,
		config: cfg,
	}
}

// evaluationRoutes run under a resolved policy.
func evaluationRoutes(r chi.Router, h *Handler) {
	r.Post("/evaluate", h.Evaluate)
	r.Post("/evaluate/batch", h.EvaluateBatch)
	r.Post("/evaluate/async", h.Submit)

	r.Get("/presets", h.ListPresets)
	r.Post("/presets/{id}/evaluate", h.EvaluatePreset)
}

func policyRoutes(r chi.Router, h *Handler) {
	r.Get("/policies", h.ListPolicies)
	r.Post("/policies", h.CreatePolicy)
	r.Post("/policies/reload", h.ReloadPolicies)
	r.Get("/policies/{id}", h.GetPolicy)
	r.Delete("/policies/{id}", h.DeletePolicy)
}

func overlayRoutes(r chi.Router, h *Handler) {
	r.Get("/overlays", h.ListOverlays)
	r.Post("/overlays", h.CreateOverlay)
	r.Post("/overlays/reload", h.ReloadOverlays)
	r.Delete("/overlays/{id}", h.DeleteOverlay)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       idleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the routing handler.
func (s *Server) Router() *chi.Mux {
	return s.router
}
