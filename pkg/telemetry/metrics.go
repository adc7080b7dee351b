package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine and fleet reconciler.
// A disabled Metrics is a no-op so call sites never have to branch.
type Metrics struct {
	config MetricsConfig

	appliesStarted   prometheus.Counter
	appliesCompleted *prometheus.CounterVec
	applyDuration    prometheus.Histogram

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	errorsByClass *prometheus.CounterVec

	fleetMembers    *prometheus.GaugeVec
	healthChecks    *prometheus.CounterVec
	reconcileLoops  prometheus.Counter
	membersDrained  prometheus.Counter
	membersReplaced prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		appliesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_started_total",
			Help:      "Total number of apply runs started",
		}),
		appliesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_completed_total",
			Help:      "Total number of apply runs completed, by status",
		}, []string{"status"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Duration of apply runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_executed_total",
			Help:      "Total number of plan nodes executed, by action and status",
		}, []string{"action", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions, by action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of provider calls, by kind and operation",
		}, []string{"kind", "operation"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of failed provider calls, by kind and operation",
		}, []string{"kind", "operation"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider calls, by kind and operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "operation"}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors, by class",
		}, []string{"class"}),

		fleetMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_members",
			Help:      "Current fleet members, by health status",
		}, []string{"status"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_health_checks_total",
			Help:      "Total number of health check polls, by result",
		}, []string{"result"}),
		reconcileLoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_reconcile_loops_total",
			Help:      "Total number of reconcile loop iterations",
		}),
		membersDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_members_drained_total",
			Help:      "Total number of fleet members drained",
		}),
		membersReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_members_replaced_total",
			Help:      "Total number of fleet members terminated and replaced",
		}),
	}

	registry.MustRegister(
		m.appliesStarted, m.appliesCompleted, m.applyDuration,
		m.nodesExecuted, m.nodeDuration,
		m.providerCalls, m.providerErrors, m.providerDuration,
		m.errorsByClass,
		m.fleetMembers, m.healthChecks, m.reconcileLoops,
		m.membersDrained, m.membersReplaced,
	)
	return m, nil
}

// RecordApplyStarted increments the started-applies counter.
func (m *Metrics) RecordApplyStarted() {
	if m.registry == nil {
		return
	}
	m.appliesStarted.Inc()
}

// RecordApplyCompleted records a finished apply run.
func (m *Metrics) RecordApplyCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.appliesCompleted.WithLabelValues(status).Inc()
	m.applyDuration.Observe(duration.Seconds())
}

// RecordNodeExecution records one executed plan node.
func (m *Metrics) RecordNodeExecution(action, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(action, status).Inc()
	m.nodeDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordProviderCall records one provider call.
func (m *Metrics) RecordProviderCall(kind, operation string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(kind, operation).Inc()
	m.providerDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordProviderError records one failed provider call.
func (m *Metrics) RecordProviderError(kind, operation string) {
	if m.registry == nil {
		return
	}
	m.providerErrors.WithLabelValues(kind, operation).Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(class string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// SetFleetMembers sets the member gauge for one health status.
func (m *Metrics) SetFleetMembers(status string, count float64) {
	if m.registry == nil {
		return
	}
	m.fleetMembers.WithLabelValues(status).Set(count)
}

// RecordHealthCheck records one health check poll.
func (m *Metrics) RecordHealthCheck(result string) {
	if m.registry == nil {
		return
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

// RecordReconcileLoop records one reconcile loop iteration.
func (m *Metrics) RecordReconcileLoop() {
	if m.registry == nil {
		return
	}
	m.reconcileLoops.Inc()
}

// RecordMemberDrained records one drained fleet member.
func (m *Metrics) RecordMemberDrained() {
	if m.registry == nil {
		return
	}
	m.membersDrained.Inc()
}

// RecordMemberReplaced records one terminated-and-replaced fleet member.
func (m *Metrics) RecordMemberReplaced() {
	if m.registry == nil {
		return
	}
	m.membersReplaced.Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer serves the metrics endpoint in a background goroutine.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if m.registry == nil {
		return nil, nil
	}
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              m.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: m.config.ReadHeaderTimeout,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv, nil
}
