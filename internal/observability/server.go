// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PayRelay Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// Package-level instruments for components that record metrics without
// holding a Server reference (the registry and the router).
var (
	activeRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "payrelay_rooms",
		Help: "Current number of rooms with at least one member",
	})

	eventErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_event_errors_total",
			Help: "Total number of rejected inbound events by reason",
		},
		[]string{"reason"},
	)

	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payrelay_delivery_failures_total",
			Help: "Total number of failed event deliveries by reason",
		},
		[]string{"reason"},
	)

	broadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payrelay_broadcast_deliveries_total",
		Help: "Total number of successful broadcast deliveries",
	})
)

// SetActiveRooms records the current room count.
func SetActiveRooms(n int) {
	activeRooms.Set(float64(n))
}

// RecordEventError increments the rejected-event counter for a reason.
func RecordEventError(reason string) {
	eventErrors.WithLabelValues(reason).Inc()
}

// RecordDeliveryFailure increments the failed-delivery counter for a reason.
func RecordDeliveryFailure(reason string) {
	deliveryFailures.WithLabelValues(reason).Inc()
}

// RecordBroadcastDeliveries adds to the successful broadcast delivery count.
func RecordBroadcastDeliveries(n int) {
	broadcastDeliveries.Add(float64(n))
}

// Metrics contains the relay's per-server Prometheus metrics.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	EventsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the relay metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrelay_connections_total",
			Help: "Total number of accepted websocket connections",
		}),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payrelay_events_total",
				Help: "Total number of routed inbound events by type",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(m.ConnectionsTotal)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(activeRooms)
	reg.MustRegister(eventErrors)
	reg.MustRegister(deliveryFailures)
	reg.MustRegister(broadcastDeliveries)

	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Use a fresh registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the relay metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints. It returns an error channel
// that receives any error from the HTTP server after it starts; the channel
// is closed when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept connections,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
