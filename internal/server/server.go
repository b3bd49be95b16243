package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/blackboxserve/internal/logcapture"
	"github.com/cwbudde/blackboxserve/internal/memo"
	"github.com/cwbudde/blackboxserve/internal/orchestrator"
	"github.com/cwbudde/blackboxserve/internal/request"
)

// Server represents the HTTP server
type Server struct {
	orch   *orchestrator.Orchestrator
	store  memo.Store
	logs   *logcapture.Manager
	runs   *RunManager
	addr   string
	server *http.Server
}

// optimizeResponse is the body of a successful POST /optimize
type optimizeResponse struct {
	MinimumValue string `json:"minimum_value"`
	LogID        string `json:"log_id,omitempty"`
	Cached       bool   `json:"cached"`
}

// NewServer creates a new HTTP server
func NewServer(addr string, orch *orchestrator.Orchestrator, store memo.Store, logs *logcapture.Manager) *Server {
	return &Server{
		orch:  orch,
		store: store,
		logs:  logs,
		runs:  NewRunManager(),
		addr:  addr,
	}
}

// Handler returns the routed handler wrapped with middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/optimize", s.handleOptimize)
	mux.HandleFunc("/download_solution", s.handleDownloadLatest)
	mux.HandleFunc("/download_solution/", s.handleDownloadByID)

	mux.HandleFunc("/api/v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/api/v1/runs", s.handleListRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleOptimize handles POST /optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := request.Decode(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	slog.Info("Optimization request received", "remote", r.RemoteAddr)

	run := s.runs.CreateRun(req)
	w.Header().Set("X-Run-ID", run.ID)

	result, err := executeRun(r.Context(), s.runs, s.orch, run.ID, req)
	if err != nil {
		msg := "internal server error"
		if orchestrator.IsClientVisible(err) {
			msg = err.Error()
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	if result.SessionID != "" {
		w.Header().Set("X-Log-Session", result.SessionID)
	}
	writeJSON(w, http.StatusOK, optimizeResponse{
		MinimumValue: result.Report,
		LogID:        result.SessionID,
		Cached:       result.Cached,
	})
}

// handleDownloadLatest handles GET /download_solution
func (s *Server) handleDownloadLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, ok := s.logs.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no solution log has been written yet")
		return
	}
	s.serveArtifact(w, r, id)
}

// handleDownloadByID handles GET /download_solution/:logId
func (s *Server) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/download_solution/")
	if id == "" {
		s.handleDownloadLatest(w, r)
		return
	}
	if traceID, ok := strings.CutSuffix(id, "/trace"); ok {
		s.serveTrace(w, r, traceID)
		return
	}
	s.serveArtifact(w, r, id)
}

// serveArtifact sends a completed log artifact as an attachment
func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, id string) {
	s.serveFile(w, r, id, s.logs.Path, "application/octet-stream", id+".log")
}

// serveTrace sends the improvement trace of a withOpt run as JSON lines
func (s *Server) serveTrace(w http.ResponseWriter, r *http.Request, id string) {
	s.serveFile(w, r, id, s.logs.TracePath, "application/x-ndjson", id+".trace.jsonl")
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, id string, resolve func(string) (string, error), contentType, filename string) {
	path, err := resolve(id)
	if err != nil {
		if errors.Is(err, logcapture.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	http.ServeFile(w, r, path)
}

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCacheStats handles GET /api/v1/cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to read cache stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.runs.ListRuns())
}

// handleRunsWithID handles /api/v1/runs/:id and /api/v1/runs/:id/events
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	runID := parts[0]
	switch {
	case len(parts) == 1:
		s.handleGetRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "events":
		s.handleRunEvents(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleGetRun handles GET /api/v1/runs/:id
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, exists := s.runs.GetRun(runID)
	if !exists {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Log-Session, X-Run-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
