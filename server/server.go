// Package server is the HTTP surface. Handlers are thin: authenticate,
// validate inputs, call one coordinator operation, map the outcome.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/generation"
)

// viewerHeader carries the authenticated rider id, resolved by the
// gateway in front of this service.
const viewerHeader = "X-Motoplan-User"

type ctxKey int

const viewerKey ctxKey = 0

// Health reports readiness of the server's dependencies.
type Health interface {
	Ping(ctx context.Context) error
}

// Server serves the itinerary generation API.
type Server struct {
	coordinator *generation.Coordinator
	health      Health
	logger      core.Logger
	httpServer  *http.Server
}

// New creates the server with its routes mounted.
func New(coordinator *generation.Coordinator, health Health, cfg core.HTTPConfig, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		coordinator: coordinator,
		health:      health,
		logger:      core.ComponentLogger(logger, "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireViewer)
		r.Post("/notes/{noteID}/itineraries", s.handleGenerate)
		r.Get("/notes/{noteID}/itineraries", s.handleList)
		r.Get("/itineraries/{itineraryID}/status", s.handleStatus)
		r.Post("/itineraries/{itineraryID}/cancel", s.handleCancel)
		r.Get("/itineraries/{itineraryID}/download", s.handleDownload)
		r.Get("/itineraries/{itineraryID}/mapy", s.handleMapy)
		r.Get("/itineraries/{itineraryID}/google", s.handleGoogle)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      otelhttp.NewHandler(r, "motoplan.http"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routed handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireViewer resolves the authenticated rider or rejects the
// request.
func (s *Server) requireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewer := r.Header.Get(viewerHeader)
		if viewer == "" {
			writeError(w, core.E(core.KindUnauthorized, "authentication required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewerKey, viewer)))
	})
}

func viewerFrom(r *http.Request) string {
	viewer, _ := r.Context().Value(viewerKey).(string)
	return viewer
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.logger != nil {
			s.logger.Debug("Request handled", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
