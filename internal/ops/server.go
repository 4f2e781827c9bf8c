// Package ops exposes the operational HTTP surface: health and
// readiness probes, Prometheus metrics, runtime stats snapshots, and
// the operator remediation endpoints.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailguard/internal/disaster"
	"github.com/ignite/mailguard/internal/dnsx"
	"github.com/ignite/mailguard/internal/pkg/logger"
	"github.com/ignite/mailguard/internal/queue"
	"github.com/ignite/mailguard/internal/remediation"
	"github.com/ignite/mailguard/internal/resilience"
)

// Sources are the live components the ops surface reports on. Any of
// them can be nil; the corresponding endpoints degrade to
// "not_configured".
type Sources struct {
	Queue      *queue.WorkerQueue
	Breakers   *resilience.Registry
	DNSCache   *dnsx.Cache
	QueryCache *resilience.QueryCache
	Audit      *remediation.MemoryAuditSink
	Remediator *remediation.Remediator
	Failover   *disaster.FailoverManager
	Redis      *redis.Client
}

// Config carries the listener address and browser origins allowed to
// call the stats API.
type Config struct {
	AllowedOrigins []string
}

// Server is the ops HTTP server.
type Server struct {
	handler http.Handler
	health  *HealthChecker
	sources Sources
	log     *logger.Logger
	server  *http.Server
}

func NewServer(cfg Config, sources Sources, log *logger.Logger) *Server {
	s := &Server{
		health:  NewHealthChecker(sources),
		sources: sources,
		log:     log,
	}
	s.handler = s.routes(cfg)
	return s
}

// ListenAndServe starts the server on addr and blocks until shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
