// Package metrics exports process metrics for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/nodescope/internal/resilience"
)

var (
	// Ingest metrics
	LinesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_lines_received_total",
		Help: "Raw log lines received by source",
	}, []string{"node", "source"})
	LinesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_lines_dropped_total",
		Help: "Lines dropped because the line queue was full",
	}, []string{"node"})
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_parse_errors_total",
		Help: "Lines skipped because they could not be parsed",
	}, []string{"node"})
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_events_ingested_total",
		Help: "Events newly stored",
	}, []string{"node", "action", "status"})
	EventsCorrelated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_events_correlated_total",
		Help: "Events whose duration came from a matched start line",
	}, []string{"node"})
	PendingOperations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodescope_pending_operations",
		Help: "Started operations waiting for their finish line",
	}, []string{"node"})
	PendingEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_pending_evicted_total",
		Help: "Started operations evicted without a finish line",
	}, []string{"node"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodescope_queue_depth",
		Help: "Lines waiting in the line queue",
	}, []string{"node"})
	BackpressureLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodescope_backpressure_level",
		Help: "Line queue pressure level (0 normal .. 3 emergency)",
	}, []string{"node"})
	StoreWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nodescope_store_write_duration_seconds",
		Help:    "Event batch write latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// Connection metrics
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodescope_connection_state",
		Help: "Connection state per endpoint (0 disconnected, 1 connecting, 2 connected, 3 error, 4 stopped)",
	}, []string{"endpoint"})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_reconnects_total",
		Help: "Connection attempts after a failure or disconnect",
	}, []string{"endpoint"})
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_poll_errors_total",
		Help: "Failed status API polls",
	}, []string{"node", "endpoint"})

	// Analytics metrics
	BaselinesComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodescope_baselines_computed_total",
		Help: "Baselines recomputed and stored",
	})
	LatencyPercentile = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodescope_latency_ms",
		Help: "Operation duration percentiles over the last hour",
	}, []string{"node", "quantile"})
	MetricForecast = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nodescope_metric_forecast",
		Help: "Linear projection of a rollup metric",
	}, []string{"node", "metric"})
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_anomalies_total",
		Help: "Anomalies detected",
	}, []string{"metric", "severity"})

	// Alert metrics
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_alerts_created_total",
		Help: "Alerts created",
	}, []string{"category", "severity"})
	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_alerts_suppressed_total",
		Help: "Alerts suppressed by the cooldown",
	}, []string{"category"})
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_notify_failures_total",
		Help: "Notification deliveries that failed",
	}, []string{"channel"})

	// Scheduler metrics
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodescope_task_runs_total",
		Help: "Background task executions",
	}, []string{"task", "result"})
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nodescope_task_duration_seconds",
		Help:    "Background task duration",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120},
	}, []string{"task"})
)

// ObserveConnection is a resilience.Listener that exports state changes.
func ObserveConnection(c resilience.Change) {
	ConnectionState.WithLabelValues(c.Endpoint).Set(float64(c.To))
	if c.To == resilience.StateConnecting && c.From != resilience.StateDisconnected {
		Reconnects.WithLabelValues(c.Endpoint).Inc()
	}
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check reported by /healthz.
func RegisterHealthCheck(name string, check func(ctx context.Context) error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

func runChecks(ctx context.Context) HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}
	for _, hc := range checks {
		if err := hc.Check(ctx); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := runChecks(ctx)
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
