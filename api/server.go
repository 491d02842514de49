// Package api exposes the engine's metrics and health over HTTP: the
// Prometheus exposition, JSON metric snapshots, a derived performance
// health check, the full health report, and per-import status events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/monitor"
)

// Performance health thresholds. All strict: equality is degraded.
const (
	maxErrorCount      = 10
	maxRequestDuration = 5000.0
	maxMemoryUsage     = 500 * 1024 * 1024
)

// PerformanceMetrics feeds the /metrics/health derivation. Nil fields
// count as missing and degrade the status.
type PerformanceMetrics struct {
	ErrorCount      *int     `json:"errorCount,omitempty"`
	RequestDuration *float64 `json:"requestDuration,omitempty"`
	MemoryUsage     *int64   `json:"memoryUsage,omitempty"`
}

// PerformanceSource supplies current performance metrics.
type PerformanceSource func(ctx context.Context) (PerformanceMetrics, error)

// EventSource lists the status events recorded for an import.
type EventSource interface {
	EventsForImport(ctx context.Context, importID string) ([]model.StatusEvent, error)
}

// Server serves the metrics and health surface.
type Server struct {
	monitor *monitor.Monitor
	events  EventSource
	perf    PerformanceSource
	logger  *slog.Logger
	addr    string
	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address (default ":8080").
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithEventSource wires the per-import status event listing.
func WithEventSource(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithPerformanceSource overrides the performance metrics feed.
func WithPerformanceSource(src PerformanceSource) Option {
	return func(s *Server) { s.perf = src }
}

// New constructs the server around a monitor.
func New(m *monitor.Monitor, logger *slog.Logger, opts ...Option) (*Server, error) {
	if m == nil {
		return nil, fmt.Errorf("api: monitor required")
	}
	s := &Server{
		monitor: m,
		logger:  logger,
		addr:    ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.perf == nil {
		s.perf = s.defaultPerformance
	}
	return s, nil
}

// defaultPerformance derives performance metrics from the monitor and
// the runtime.
func (s *Server) defaultPerformance(_ context.Context) (PerformanceMetrics, error) {
	sys := s.monitor.GetSystemMetrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	errCount := sys.TotalErrors
	dur := float64(sys.AverageJobDuration) / float64(time.Millisecond)
	mem := int64(ms.Alloc)
	return PerformanceMetrics{
		ErrorCount:      &errCount,
		RequestDuration: &dur,
		MemoryUsage:     &mem,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheus)
	mux.HandleFunc("GET /metrics/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /metrics/performance", s.handlePerformance)
	mux.HandleFunc("GET /metrics/health", s.handleMetricsHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /imports/{id}/events", s.handleImportEvents)
	return mux
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "operation", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success":   false,
		"error":     err.Error(),
		"operation": op,
	})
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      data,
		"timestamp": timestamp(),
	})
}

func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	families, err := s.monitor.Registry().Gather()
	if err != nil {
		s.writeError(w, "get_prometheus_metrics", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			s.logger.Error("encode metric family failed", "family", mf.GetName(), "error", err)
			return
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, s.monitor.GetSystemMetrics())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := s.perf(r.Context())
	if err != nil {
		s.writeError(w, "get_performance_metrics", err)
		return
	}
	s.writeData(w, perf)
}

// handleMetricsHealth derives a status from the performance metrics.
// Every threshold is strict: at the boundary the status is degraded,
// as it is when any metric is missing.
func (s *Server) handleMetricsHealth(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := "Unknown error"
			if err, ok := rec.(error); ok {
				msg = err.Error()
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status":    "unhealthy",
				"timestamp": timestamp(),
				"error":     msg,
			})
		}
	}()

	perf, err := s.perf(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":    "unhealthy",
			"timestamp": timestamp(),
			"error":     err.Error(),
		})
		return
	}

	status := "degraded"
	if perf.ErrorCount != nil && perf.RequestDuration != nil && perf.MemoryUsage != nil &&
		*perf.ErrorCount < maxErrorCount &&
		*perf.RequestDuration < maxRequestDuration &&
		*perf.MemoryUsage < maxMemoryUsage {
		status = "healthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": timestamp(),
		"metrics":   perf,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.monitor.GetHealth(r.Context())
	code := http.StatusOK
	if health.Overall == monitor.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}
	importID := r.PathValue("id")
	events, err := s.events.EventsForImport(r.Context(), importID)
	if err != nil {
		s.writeError(w, "get_import_events", err)
		return
	}
	s.writeData(w, events)
}
