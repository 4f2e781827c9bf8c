package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/mailguard/internal/queue"
)

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health.HandleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/dlq/replay", s.handleDLQReplay)
		r.Get("/breakers", s.handleBreakers)
		r.Post("/breakers/{name}/reset", s.handleBreakerReset)
		r.Get("/cache", s.handleCache)
		r.Get("/audit", s.handleAudit)
		r.Get("/failover", s.handleFailover)
		r.Post("/failover/failback", s.handleFailback)
		r.Post("/remediation/release", s.handleRelease)
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStats aggregates every component snapshot into one payload for
// the dashboard.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.sources.Queue != nil {
		out["queue"] = s.sources.Queue.Stats()
	}
	if s.sources.Breakers != nil {
		out["breakers"] = s.sources.Breakers.Stats()
	}
	if s.sources.DNSCache != nil {
		out["dnsCache"] = s.sources.DNSCache.Stats()
	}
	if s.sources.QueryCache != nil {
		out["queryCache"] = s.sources.QueryCache.Stats()
	}
	if s.sources.Failover != nil {
		out["failover"] = s.sources.Failover.CurrentStatus()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.sources.Queue == nil {
		respondError(w, http.StatusNotFound, "queue not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.sources.Queue.Stats())
}

// handleDLQReplay re-runs every dead-lettered job through the scanner.
// Synchronous: the response carries the sweep's outcome.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	if s.sources.Queue == nil {
		respondError(w, http.StatusNotFound, "queue not configured")
		return
	}
	res, err := s.sources.Queue.ReplayDLQ(r.Context(), queue.ReplayOptions{})
	out := map[string]any{
		"processed":  res.Processed,
		"failed":     res.Failed,
		"durationMs": res.Duration.Milliseconds(),
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Error())
		}
		out["errors"] = msgs
	}
	if err != nil {
		out["interrupted"] = err.Error()
	}
	s.log.Info("dlq replay via ops api", "processed", res.Processed, "failed", res.Failed)
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.sources.Breakers == nil {
		respondError(w, http.StatusNotFound, "breakers not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.sources.Breakers.Stats())
}

// handleBreakerReset clears one breaker back to closed, or all of them
// when the name is "all".
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if s.sources.Breakers == nil {
		respondError(w, http.StatusNotFound, "breakers not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if name == "all" {
		s.sources.Breakers.ResetAll()
	} else {
		s.sources.Breakers.Get(name).Reset()
	}
	s.log.Info("breaker reset via ops api", "name", name)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "name": name})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.sources.DNSCache != nil {
		out["dns"] = s.sources.DNSCache.Stats()
	}
	if s.sources.QueryCache != nil {
		out["query"] = s.sources.QueryCache.Stats()
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.sources.Audit == nil {
		respondError(w, http.StatusNotFound, "audit sink not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.sources.Audit.Entries())
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	if s.sources.Failover == nil {
		respondError(w, http.StatusNotFound, "failover not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": s.sources.Failover.CurrentStatus(),
		"active": s.sources.Failover.Active(),
		"events": s.sources.Failover.Events(),
	})
}

func (s *Server) handleFailback(w http.ResponseWriter, r *http.Request) {
	if s.sources.Failover == nil {
		respondError(w, http.StatusNotFound, "failover not configured")
		return
	}
	if err := s.sources.Failover.Failback(r.Context()); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "failback complete"})
}

type releaseRequest struct {
	TenantID  string `json:"tenantId"`
	MessageID string `json:"messageId"`
}

// handleRelease is the false-positive recovery path: it moves a
// quarantined message back to the inbox and clears the labels.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if s.sources.Remediator == nil {
		respondError(w, http.StatusNotFound, "remediation not configured")
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.MessageID == "" {
		respondError(w, http.StatusBadRequest, "tenantId and messageId are required")
		return
	}
	if err := s.sources.Remediator.Release(r.Context(), req.TenantID, req.MessageID); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released", "messageId": req.MessageID})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
