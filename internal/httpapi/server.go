// Package httpapi serves the working memory service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xiy/working-memory/internal/memory"
)

// Server is the working memory HTTP API.
type Server struct {
	svc     *memory.Service
	metrics http.Handler
	logger  *log.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server. A nil metrics handler leaves /metrics unrouted.
func New(svc *memory.Service, metrics http.Handler, logger *log.Logger, version string) *Server {
	s := &Server{
		svc:     svc,
		metrics: metrics,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/search", s.handleSearch)
		r.Post("/items", s.handleIngest)
		r.Get("/items/{id}", s.handleGetItem)
		r.Post("/items/{id}/triggers", s.handleTrigger)
		r.Post("/items/{id}/restore", s.handleRestore)
		r.Post("/sweep", s.handleSweep)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrInvalidInput), errors.Is(err, memory.ErrUnknownTrigger):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrExists),
		errors.Is(err, memory.ErrConflict),
		errors.Is(err, memory.ErrTerminal),
		errors.Is(err, memory.ErrNotDormant):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
