// Package collector exposes the per-vendor OTLP ingestion endpoints and
// the small read surface the dashboard consumes.
package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/statline/statline/config"
	"github.com/statline/statline/ingest"
	"github.com/statline/statline/ledger"
)

type Server struct {
	config     *config.Config
	httpServer *http.Server
	pipeline   *ingest.Pipeline
	store      *ledger.Store
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, store *ledger.Store, pipeline *ingest.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		pipeline: pipeline,
		store:    store,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vendors/{tool}/metrics", s.handleMetrics)
	mux.HandleFunc("POST /v1/vendors/{tool}/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/users/{user}/daily/{day}", s.handleDailyAggregate)
	mux.HandleFunc("GET /v1/users/{user}/sessions", s.handleUserSessions)
	mux.HandleFunc("GET /v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the configured handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("starting ingest server", "port", s.config.ServerPort)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ingest server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, ingest.SignalMetrics)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.handleExport(w, r, ingest.SignalLogs)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, signal ingest.Signal) {
	tool := r.PathValue("tool")
	userID := userFrom(r)

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	var summary *ingest.Summary
	if signal == ingest.SignalMetrics {
		summary, err = s.pipeline.IngestMetrics(r.Context(), userID, tool, contentType, body)
	} else {
		summary, err = s.pipeline.IngestLogs(r.Context(), userID, tool, contentType, body)
	}

	switch {
	case err == nil:
		// Partial failure is still a transport-level success.
		writeJSON(w, http.StatusOK, summary.PartialSuccess(signal))
	case errors.Is(err, ingest.ErrUnauthorized):
		http.Error(w, "unknown user", http.StatusUnauthorized)
	case summary != nil && summary.Rejected == ingest.RejectedAll:
		writeJSON(w, http.StatusBadRequest, summary.PartialSuccess(signal))
	default:
		s.logger.Error("ingest failed", "tool", tool, "user", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleDailyAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.store.GetDailyAggregate(r.Context(), r.PathValue("user"), r.PathValue("day"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "no usage recorded", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	if limit > 100 {
		limit = 100
	}

	sessions, err := s.store.GetUserSessions(r.Context(), r.PathValue("user"), limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "statline-ingest",
	})
}

// maxBodyBytes bounds export request bodies; CLI exporters batch small.
const maxBodyBytes = 8 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// userFrom resolves the caller's user id from header or query param.
func userFrom(r *http.Request) string {
	if id := r.Header.Get("X-Statline-User"); id != "" {
		return id
	}
	return r.URL.Query().Get("user")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
