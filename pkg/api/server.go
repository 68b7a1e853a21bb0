// Package api exposes the HTTP surface: analysis submission and retrieval,
// health, Prometheus metrics, live logs, and the WebSocket upgrade.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"optiq/pkg/logx"
	"optiq/pkg/metrics"
	"optiq/pkg/reliability"
	"optiq/pkg/run"
	"optiq/pkg/ws"
)

// Runner starts analysis runs. *supervisor.Supervisor satisfies this.
type Runner interface {
	Run(ctx context.Context, userRequest, threadID, userID, runID string) (*run.State, error)
	Managers() map[string]*reliability.Manager
}

// RunStore reads and writes run state. *store.Store satisfies this.
type RunStore interface {
	SaveRun(ctx context.Context, state *run.State) error
	LoadRun(ctx context.Context, runID string) (*run.State, error)
}

// UsageSource aggregates per-run LLM usage from the metrics backend.
// *metrics.QueryService satisfies this.
type UsageSource interface {
	GetRunMetrics(ctx context.Context, runID string) (*metrics.RunMetrics, error)
	GetRunMetricsByAgent(ctx context.Context, runID string) (map[string]*metrics.RunMetrics, error)
}

// Server is the HTTP API server.
type Server struct {
	runner    Runner
	store     RunStore
	hub       *ws.Hub
	registry  *prometheus.Registry
	usage     UsageSource
	logger    *logx.Logger
	authToken string
	runCtx    context.Context
}

// NewServer wires the HTTP surface. authToken empty disables auth. runCtx
// bounds the lifetime of background runs (pass the process context).
func NewServer(runCtx context.Context, runner Runner, store RunStore, hub *ws.Hub, registry *prometheus.Registry, authToken string) *Server {
	return &Server{
		runner:    runner,
		store:     store,
		hub:       hub,
		registry:  registry,
		logger:    logx.NewLogger("api"),
		authToken: authToken,
		runCtx:    runCtx,
	}
}

// WithUsage attaches a per-run usage aggregation source backing
// /api/v1/analyses/{id}/metrics. Without one the endpoint reports that
// usage metrics are not configured.
func (s *Server) WithUsage(u UsageSource) *Server {
	s.usage = u
	return s
}

// Handler builds the router with CORS and auth applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/analyses", s.handleCreateAnalysis).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/analyses/{id}", s.handleGetAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/analyses/{id}/metrics", s.handleGetAnalysisMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/ws/{run_id}", s.handleWS).Methods(http.MethodGet)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	handler := s.authMiddleware(r)
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(handler)
}

// authMiddleware enforces the bearer token on API routes. /metrics and the
// WebSocket upgrade stay open for scrapers and browser clients.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" ||
			r.URL.Path == "/metrics" ||
			strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "invalid or missing bearer token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AnalysisRequest is the POST /api/v1/analyses body.
type AnalysisRequest struct {
	WorkloadID      string `json:"workload_id"`
	OutputFormat    string `json:"output_format,omitempty"`
	ScanDepth       string `json:"scan_depth,omitempty"`
	IncludeSecurity bool   `json:"include_security,omitempty"`
	UserID          string `json:"user_id,omitempty"`
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "invalid JSON body",
		})
		return
	}
	if req.WorkloadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "workload_id is required",
		})
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	runID := uuid.NewString()
	userRequest := buildUserRequest(&req)

	// Record the pending run before starting so GET works immediately.
	pending := run.NewState(runID, req.WorkloadID, req.UserID, userRequest)
	if err := s.store.SaveRun(r.Context(), pending); err != nil {
		s.logger.Error("failed to record pending run %s: %v", runID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": "failed to record analysis",
		})
		return
	}

	go func() {
		if _, err := s.runner.Run(s.runCtx, userRequest, req.WorkloadID, req.UserID, runID); err != nil {
			s.logger.Error("run %s finished with error: %v", runID, err)
		}
	}()

	s.logger.Info("analysis %s accepted (workload=%s)", runID, req.WorkloadID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"analysis_id": runID,
		"status":      string(run.StatusPending),
	})
}

func buildUserRequest(req *AnalysisRequest) string {
	parts := []string{fmt.Sprintf("Analyze workload %s for optimization opportunities.", req.WorkloadID)}
	if req.ScanDepth != "" {
		parts = append(parts, fmt.Sprintf("Scan depth: %s.", req.ScanDepth))
	}
	if req.IncludeSecurity {
		parts = append(parts, "Include security findings.")
	}
	if req.OutputFormat != "" {
		parts = append(parts, fmt.Sprintf("Preferred output format: %s.", req.OutputFormat))
	}
	return strings.Join(parts, " ")
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.store.LoadRun(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false, "error": fmt.Sprintf("analysis %s not found", id),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"analysis": state,
	})
}

func (s *Server) handleGetAnalysisMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.usage == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{
			"success": false, "error": "usage metrics are not configured",
		})
		return
	}
	if _, err := s.store.LoadRun(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false, "error": fmt.Sprintf("analysis %s not found", id),
		})
		return
	}

	totals, err := s.usage.GetRunMetrics(r.Context(), id)
	if err != nil {
		s.logger.Error("usage query for run %s failed: %v", id, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false, "error": "usage metrics backend unavailable",
		})
		return
	}
	byAgent, err := s.usage.GetRunMetricsByAgent(r.Context(), id)
	if err != nil {
		s.logger.Error("per-agent usage query for run %s failed: %v", id, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false, "error": "usage metrics backend unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"metrics":  totals,
		"by_agent": byAgent,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	managers := s.runner.Managers()
	perAgent := make(map[string]reliability.HealthStatus, len(managers))
	healthy := true
	for name, m := range managers {
		hs := m.HealthStatus()
		perAgent[name] = hs
		if hs.Status != "healthy" {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"agents": perAgent,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	component := r.URL.Query().Get("component")
	since := time.Now().Add(-15 * time.Minute)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false, "error": "since must be RFC3339",
			})
			return
		}
		since = parsed
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"entries": logx.RecentEntries(component, since),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	if err := s.hub.Subscribe(w, r, runID); err != nil {
		s.logger.Warn("ws upgrade failed for run %s: %v", runID, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
