package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/opsdeck/opsdeck/internal/cache"
	"github.com/opsdeck/opsdeck/internal/refresh"
)

type serviceError struct {
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at,omitzero"`
}

type cacheInfoResponse struct {
	Cells         []cache.CellInfo        `json:"cells"`
	Tasks         []refresh.TaskStatus    `json:"tasks,omitempty"`
	UpstreamLatch bool                    `json:"upstream_auth_latched"`
	LastErrors    map[string]serviceError `json:"last_errors"`
	GeneratedAt   time.Time               `json:"generated_at"`
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	resp := cacheInfoResponse{
		Cells:       []cache.CellInfo{},
		LastErrors:  map[string]serviceError{},
		GeneratedAt: time.Now(),
	}
	resp.Cells = append(resp.Cells, s.deps.Status.Cache()...)
	resp.Cells = append(resp.Cells, s.deps.Ranking.Cache()...)
	resp.Cells = append(resp.Cells, s.deps.Company.Cache()...)

	for name, svc := range map[string]interface {
		LastError() (string, time.Time)
	}{
		"status":  s.deps.Status,
		"ranking": s.deps.Ranking,
		"company": s.deps.Company,
	} {
		if msg, at := svc.LastError(); msg != "" {
			resp.LastErrors[name] = serviceError{Error: msg, At: at}
		}
	}

	if s.deps.Scheduler != nil {
		resp.Tasks = s.deps.Scheduler.Status()
	}
	if s.deps.Upstream != nil {
		resp.UpstreamLatch = s.deps.Upstream.AuthLatched()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.deps.Status.ClearCache()
	s.deps.Ranking.ClearCache()
	s.deps.Company.ClearCache()
	slog.Info("caches cleared via admin endpoint")
	writeJSON(w, http.StatusOK, map[string]string{"result": "caches cleared"})
}

func (s *Server) handleSchemaClear(w http.ResponseWriter, r *http.Request) {
	for _, sc := range s.deps.Schemas {
		sc.Invalidate()
	}
	slog.Info("schema caches cleared via admin endpoint")
	writeJSON(w, http.StatusOK, map[string]string{"result": "schema caches cleared"})
}

func (s *Server) handleUpstreamReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Upstream == nil {
		writeError(w, http.StatusNotFound, "no upstream client configured")
		return
	}
	s.deps.Upstream.ResetAuth()
	writeJSON(w, http.StatusOK, map[string]string{"result": "upstream auth latch cleared"})
}
