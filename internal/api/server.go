// Package api exposes the per-stage HTTP surface: health, status, queue
// stats, worker control and operator triggers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TriggerFunc runs an operator-initiated action with its query params.
type TriggerFunc func(ctx context.Context, params url.Values) (any, error)

// Hooks binds one pipeline stage to the uniform HTTP surface. Nil hooks
// disable their endpoint.
type Hooks struct {
	Service       string
	Status        func(ctx context.Context) map[string]any
	Healthy       func(ctx context.Context) bool
	HealthDetails func(ctx context.Context) map[string]bool
	QueueStats  func(ctx context.Context) (map[string]int64, error)
	StartWorker func() bool
	StopWorker  func() bool
	Cleanup     func(ctx context.Context, days int) (any, error)

	// Triggers maps route suffixes (e.g. "discover", "download-batch")
	// to their handlers.
	Triggers map[string]TriggerFunc
}

// Server is one stage's HTTP endpoint.
type Server struct {
	hooks  Hooks
	logger *slog.Logger
	router *chi.Mux
	srv    *http.Server
}

// New wires the uniform route set for a stage.
func New(hooks Hooks, logger *slog.Logger) *Server {
	s := &Server{
		hooks:  hooks,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/queue-stats", s.handleQueueStats)
	s.router.Post("/start-worker", s.handleStartWorker)
	s.router.Post("/stop-worker", s.handleStopWorker)
	s.router.Post("/cleanup", s.handleCleanup)

	for name, fn := range s.hooks.Triggers {
		s.router.Post("/"+name, s.triggerHandler(name, fn))
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled",
			"service", s.hooks.Service, "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start).Round(time.Microsecond))
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the stage endpoint until Shutdown or a listener error.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP endpoint listening", "service", s.hooks.Service, "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := map[string]bool{}
	if s.hooks.HealthDetails != nil {
		details = s.hooks.HealthDetails(r.Context())
	}
	body := map[string]any{
		"service":   s.hooks.Service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"details":   details,
	}
	if s.hooks.Healthy != nil && !s.hooks.Healthy(r.Context()) {
		body["status"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Status == nil {
		http.Error(w, "not supported", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.hooks.Status(r.Context()))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.hooks.QueueStats == nil {
		http.Error(w, "not supported", http.StatusNotFound)
		return
	}
	stats, err := s.hooks.QueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	if s.hooks.StartWorker == nil {
		http.Error(w, "not supported", http.StatusNotFound)
		return
	}
	started := s.hooks.StartWorker()
	writeJSON(w, http.StatusOK, map[string]any{
		"service": s.hooks.Service,
		"running": true,
		"changed": started,
	})
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	if s.hooks.StopWorker == nil {
		http.Error(w, "not supported", http.StatusNotFound)
		return
	}
	stopped := s.hooks.StopWorker()
	writeJSON(w, http.StatusOK, map[string]any{
		"service": s.hooks.Service,
		"running": false,
		"changed": stopped,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Cleanup == nil {
		http.Error(w, "not supported", http.StatusNotFound)
		return
	}
	days := queryInt(r.URL.Query(), "days", 30)
	var body struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Days > 0 {
		days = body.Days
	}
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}
	result, err := s.hooks.Cleanup(r.Context(), days)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) triggerHandler(name string, fn TriggerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Info("Trigger requested", "service", s.hooks.Service, "trigger", name)
		result, err := fn(r.Context(), r.URL.Query())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// QueryInt reads an integer query parameter with a default, rejecting
// garbage and non-positive values.
func queryInt(params url.Values, key string, def int) int {
	v := params.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// QueryInt is the exported form for trigger handlers.
func QueryInt(params url.Values, key string, def int) int {
	return queryInt(params, key, def)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
