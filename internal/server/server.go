// Package server exposes fit progress and stored results over HTTP. It
// is read-only: runs are started from the command line, never through
// the API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strao1986/mixer/internal/store"
)

// Server represents the HTTP server
type Server struct {
	monitor      *Monitor    // live run, may be nil
	runs         store.Store // stored runs, may be nil
	addr         string
	server       *http.Server
	pingInterval time.Duration
}

// NewServer creates a server. Either source may be nil; its endpoints
// then answer 404.
func NewServer(addr string, monitor *Monitor, runs store.Store) *Server {
	s := &Server{
		monitor:      monitor,
		runs:         runs,
		addr:         addr,
		pingInterval: 30 * time.Second,
	}
	// Built here so Shutdown never races a Start running in another goroutine.
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/run", s.handleRunStatus)
	mux.HandleFunc("GET /api/v1/run/stream", s.handleRunStream)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{name}", s.handleGetRun)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	if s.monitor != nil {
		s.monitor.Broadcaster().Close()
	}
	return s.server.Shutdown(ctx)
}

// handleRunStatus handles GET /api/v1/run
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "No run in progress", http.StatusNotFound)
		return
	}
	snap := s.monitor.Snapshot()

	end := time.Now()
	if snap.EndTime != nil {
		end = *snap.EndTime
	}
	writeJSON(w, http.StatusOK, struct {
		RunStatus
		Elapsed float64 `json:"elapsed"`
	}{snap, end.Sub(snap.StartTime).Seconds()})
}

// handleListRuns handles GET /api/v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "No results directory", http.StatusNotFound)
		return
	}
	infos, err := s.runs.ListRuns()
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleGetRun handles GET /api/v1/runs/{name}. The final document is
// preferred; an unfinished run returns its checkpoint.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "No results directory", http.StatusNotFound)
		return
	}
	name := r.PathValue("name")

	res, err := s.runs.LoadFinal(name)
	if errors.Is(err, store.ErrNotFound) {
		res, err = s.runs.LoadCheckpoint(name)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Failed to load run", "name", name, "error", err)
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

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
