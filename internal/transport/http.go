// Package transport provides the history HTTP API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/rpclatency/internal/storage"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Pagination limits for GET /v1/runs.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// HistoryStore is the part of storage.Storage the API reads and deletes from.
type HistoryStore interface {
	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	GetRecords(ctx context.Context, id string) ([]types.LatencyRecord, error)
	GetFailures(ctx context.Context, id string) ([]types.TxFailure, error)
	DeleteRun(ctx context.Context, id string) error
}

var _ HistoryStore = (storage.Storage)(nil)

// HealthChecker checks a dependency for readiness.
type HealthChecker interface {
	CheckRPC(ctx context.Context) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Store  HistoryStore
	Health HealthChecker // optional; /ready reports ok without it

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// CORSAllowedOrigins is a comma-separated list; empty or "*" allows all.
	CORSAllowedOrigins string
	Logger             *slog.Logger
}

// Server handles HTTP requests for the history API.
type Server struct {
	store     HistoryStore
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		store:     cfg.Store,
		health:    cfg.Health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleRuns returns run history with optional pagination.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := DefaultPageLimit
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= MaxPageLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to list runs", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRunDetail handles GET and DELETE /v1/runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, "Missing or invalid run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.runDetail(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, "Failed to get run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), id); err != nil {
			s.writeStoreError(w, "Failed to delete run", err)
			return
		}
		s.logger.Info("run deleted", slog.String("runID", id))
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) runDetail(ctx context.Context, id string) (*storage.RunDetail, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := s.store.GetRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	failures, err := s.store.GetFailures(ctx, id)
	if err != nil {
		return nil, err
	}
	return &storage.RunDetail{Run: run, Records: records, Failures: failures}, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	s.logger.Error(message, slog.String("error", err.Error()))
	s.writeJSONError(w, message+": "+err.Error(), http.StatusInternalServerError)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := s.health.CheckRPC(ctx)
		check := ReadinessCheck{Name: "rpc", Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}
