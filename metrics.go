package linesearchd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

// serverMetrics holds the per-server Prometheus collectors on a private
// registry so embedded servers never collide in the default one.
type serverMetrics struct {
	registry           *prometheus.Registry
	queries            *prometheus.CounterVec
	queryDuration      prometheus.Histogram
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	droppedConnections prometheus.Counter
	handshakeFailures  prometheus.Counter
	activeConnections  prometheus.Gauge
	indexedLines       prometheus.Gauge
}

func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	m := &serverMetrics{
		registry: registry,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linesearchd_queries_total",
			Help: "Connections handled, labelled by outcome",
		}, []string{"result"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "linesearchd_query_duration_seconds",
			Help: "Time from the start of request handling (after any TLS handshake) to response written",
			// Fast-mode lookups land well under a millisecond; reread
			// scans in the tens of milliseconds.
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linesearchd_cache_hits_total",
			Help: "Lookup cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linesearchd_cache_misses_total",
			Help: "Lookup cache misses",
		}),
		droppedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linesearchd_dropped_connections_total",
			Help: "Connections closed at accept because max workers was reached",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linesearchd_tls_handshake_failures_total",
			Help: "TLS handshakes that did not complete",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linesearchd_active_connections",
			Help: "Connections currently being served",
		}),
		indexedLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linesearchd_indexed_lines",
			Help: "Distinct lines in the in-memory index (fast mode only)",
		}),
	}
	registry.MustRegister(
		m.queries,
		m.queryDuration,
		m.cacheHits,
		m.cacheMisses,
		m.droppedConnections,
		m.handshakeFailures,
		m.activeConnections,
		m.indexedLines,
	)
	return m
}

func startMetricsServer(addr string, registry *prometheus.Registry, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("linesearchd.metrics.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}

func startPprofServer(addr string, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("pprof: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("linesearchd.pprof.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}
