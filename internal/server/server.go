// Package server is the HTTP surface of the dashboard backend. The public
// endpoints serve cached payloads and degrade to stale or empty data instead
// of surfacing backend failures; the admin surface is for operators and may
// show raw errors.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/ranking"
	"github.com/opsdeck/opsdeck/internal/refresh"
	"github.com/opsdeck/opsdeck/internal/status"
)

// StatusProvider serves the operator status payload.
type StatusProvider interface {
	Current(ctx context.Context) status.Payload
	Cache() []cache.CellInfo
	ClearCache()
	LastError() (string, time.Time)
}

// RankingProvider serves the sales ranking.
type RankingProvider interface {
	Top(ctx context.Context, org string) []ranking.Record
	Cache() []cache.CellInfo
	ClearCache()
	LastError() (string, time.Time)
}

// CompanyProvider serves the company list.
type CompanyProvider interface {
	List(ctx context.Context) []string
	Cache() []cache.CellInfo
	ClearCache()
	LastError() (string, time.Time)
}

// UpstreamLatch exposes the Argus 403 latch to the admin surface.
type UpstreamLatch interface {
	AuthLatched() bool
	ResetAuth()
}

// SchemaCache is a resolver whose memoized column sets can be dropped.
type SchemaCache interface {
	Invalidate()
}

// TaskReporter exposes scheduler task state to the admin surface.
type TaskReporter interface {
	Status() []refresh.TaskStatus
}

// Deps are the collaborators the server publishes. Nil optional fields
// disable the corresponding admin feature.
type Deps struct {
	Status     StatusProvider
	Ranking    RankingProvider
	Company    CompanyProvider
	Upstream   UpstreamLatch  // optional
	Schemas    []SchemaCache  // optional
	Scheduler  TaskReporter   // optional
	Metrics    http.Handler   // optional, mounted at /metrics
	DefaultOrg string
	// AdminSecret gates /admin. Empty leaves the admin surface open.
	AdminSecret string
}

// Server is the opsdeck HTTP server.
type Server struct {
	deps       Deps
	httpServer *http.Server
	router     chi.Router
}

// New creates a Server.
func New(deps Deps, bindAddr string) *Server {
	srv := &Server{deps: deps}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	if deps.AdminSecret == "" {
		slog.Warn("no admin secret set; admin endpoints are unauthenticated")
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Public dashboard endpoints.
	r.Get("/status", s.handleStatus)
	r.Get("/ranking", s.handleRanking)
	r.Get("/companies", s.handleCompanies)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	// Operator/diagnostic surface.
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/cache", s.handleCacheInfo)
		r.Post("/cache/clear", s.handleCacheClear)
		r.Post("/schema/clear", s.handleSchemaClear)
		r.Post("/upstream/reset", s.handleUpstreamReset)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, X-Admin-Secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminSecret != "" && r.Header.Get("X-Admin-Secret") != s.deps.AdminSecret {
			writeError(w, http.StatusUnauthorized, "missing or invalid admin secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}
