package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := s.deps.Status.Current(r.Context())
	writeJSONConditional(w, r, payload)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		org = s.deps.DefaultOrg
	}
	records := s.deps.Ranking.Top(r.Context(), org)
	writeJSONConditional(w, r, map[string]any{
		"org":     org,
		"ranking": records,
	})
}

func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	writeJSONConditional(w, r, map[string]any{
		"companies": s.deps.Company.List(r.Context()),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSONConditional writes v with a strong ETag and honors If-None-Match.
// Marshal failures fall back to an empty object; these endpoints never 5xx.
func writeJSONConditional(w http.ResponseWriter, r *http.Request, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte("{}")
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
	w.Write([]byte("\n"))
}
