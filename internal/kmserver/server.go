// Package kmserver is the per-project Knowledge Manager: a loopback HTTP
// server exposing health, the MCP tool surface, a live websocket event
// stream and Prometheus metrics. One KM runs per project; the bridge and
// the CLI are its only clients.
package kmserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/config"
	"github.com/hexley-dev/kmd/internal/eventlog"
	"github.com/hexley-dev/kmd/internal/events"
	"github.com/hexley-dev/kmd/internal/metrics"
	"github.com/hexley-dev/kmd/internal/project"
	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/registry"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

const idleCheckInterval = 30 * time.Second

// Server hosts one project's KM endpoints.
type Server struct {
	cfg     config.Config
	paths   project.Paths
	version string

	log     *eventlog.Log
	store   *registry.Store
	bus     *triggerbus.Bus
	pub     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	startedAt    time.Time
	lastActivity atomic.Int64 // unix nanos
}

// New wires a server over already-opened subsystems.
func New(cfg config.Config, paths project.Paths, version string, log *eventlog.Log, store *registry.Store, bus *triggerbus.Bus, pub *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		paths:     paths,
		version:   version,
		log:       log,
		store:     store,
		bus:       bus,
		pub:       pub,
		metrics:   m,
		logger:    logger.Named("kmserver"),
		startedAt: time.Now(),
	}
	s.touch()
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /mcp/spec", s.handleSpec)
	mux.HandleFunc("POST /mcp", s.handleMCP)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve runs the HTTP server on ln until ctx is cancelled or the idle
// shutdown fires. The listener comes from the port lease so the bind
// happened before any state was published.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.idleWatchdog(idleCtx, cancel)

	go func() {
		<-idleCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("km listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("project", s.paths.Root),
	)
	err := httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// idleWatchdog stops the KM after the configured quiet period. Tool
// calls, event appends and websocket attaches all count as activity.
func (s *Server) idleWatchdog(ctx context.Context, shutdown context.CancelFunc) {
	limit := time.Duration(s.cfg.IdleShutdownSeconds) * time.Second
	if limit <= 0 {
		return
	}
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < limit {
				continue
			}
			if s.pub != nil && s.pub.SubscriberCount() > 0 {
				continue
			}
			s.logger.Info("idle shutdown", zap.Duration("idle", idle))
			shutdown()
			return
		}
	}
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Health{
		Status:      protocol.StatusRunning,
		ProjectPath: s.paths.Root,
		ProjectID:   s.paths.ID(),
		Version:     s.version,
		UptimeS:     int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStatus is the CLI's status view: queue depths, event log head
// and integrity state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := protocol.StatusRunning
	if eventlog.Sealed(s.paths.EventsDir()) {
		status = protocol.StatusIntegrityFail
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"project_path":  s.paths.Root,
		"project_id":    s.paths.ID(),
		"version":       s.version,
		"uptime_s":      int64(time.Since(s.startedAt).Seconds()),
		"next_event_id": s.log.NextID(),
		"triggers":      s.bus.Counts(),
		"subscribers":   s.pub.SubscriberCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
