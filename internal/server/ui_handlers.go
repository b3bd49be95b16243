package server

import (
	"net/http"

	"github.com/cwbudde/blackboxserve/internal/objective"
)

// Version is reported by the index endpoint; set by the binary.
var Version = "dev"

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Only handle exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	counts := s.runs.CountByState()

	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "blackboxserve",
		"version":    Version,
		"objectives": objective.Names(),
		"runs": map[string]int{
			"pending":   counts[StatePending],
			"running":   counts[StateRunning],
			"completed": counts[StateCompleted],
			"failed":    counts[StateFailed],
		},
		"endpoints": []string{
			"POST /optimize",
			"GET /download_solution",
			"GET /download_solution/{logId}",
			"GET /download_solution/{logId}/trace",
			"GET /healthz",
			"GET /api/v1/cache/stats",
			"GET /api/v1/runs",
			"GET /api/v1/runs/{id}",
			"GET /api/v1/runs/{id}/events",
		},
	})
}
