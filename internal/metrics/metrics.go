// Package metrics provides Prometheus metrics instrumentation for the controller and the proxy.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status label values shared by duration and counter metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Managed object operations.
const (
	OperationApplied = "applied"
	OperationDeleted = "deleted"
	OperationAbsent  = "absent"
)

// Proxy request outcomes.
const (
	OutcomeRouted        = "routed"
	OutcomeNoRoute       = "no_route"
	OutcomeUpstreamError = "upstream_error"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
//
//nolint:interfacebloat // All methods are needed for comprehensive metrics coverage
type Collector interface {
	// Reconcile metrics
	RecordReconcileDuration(ctx context.Context, status string, duration time.Duration)
	RecordReconcileError(ctx context.Context, errorType string)
	RecordCompiledRules(ctx context.Context, count int)
	RecordTLSHosts(ctx context.Context, count int)
	RecordObjectOperation(ctx context.Context, kind, operation string)

	// Config compiler metrics
	RecordConfigBuildDuration(ctx context.Context, duration time.Duration)

	// Proxy metrics
	RecordProxyRequest(ctx context.Context, outcome string, duration time.Duration)
	RecordTLSReload(ctx context.Context, status string)
	RecordTLSStoreHosts(ctx context.Context, count int)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	// Reconcile metrics
	reconcileDuration   *prometheus.HistogramVec
	reconcileErrors     *prometheus.CounterVec
	compiledRules       prometheus.Gauge
	tlsHosts            prometheus.Gauge
	objectOperations    *prometheus.CounterVec
	configBuildDuration prometheus.Histogram

	// Proxy metrics
	proxyRequests        *prometheus.CounterVec
	proxyRequestDuration *prometheus.HistogramVec
	tlsReloads           *prometheus.CounterVec
	tlsStoreHosts        prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initReconcileMetrics()
	c.initProxyMetrics()
	c.register(reg)

	return c
}

// RecordReconcileDuration records the duration of a converge pass.
func (c *prometheusCollector) RecordReconcileDuration(_ context.Context, status string, duration time.Duration) {
	c.reconcileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordReconcileError records a failed converge pass by error type.
func (c *prometheusCollector) RecordReconcileError(_ context.Context, errorType string) {
	c.reconcileErrors.WithLabelValues(errorType).Inc()
}

// RecordCompiledRules records the number of rules in the published configuration.
func (c *prometheusCollector) RecordCompiledRules(_ context.Context, count int) {
	c.compiledRules.Set(float64(count))
}

// RecordTLSHosts records the number of hosts in the aggregated TLS secret.
func (c *prometheusCollector) RecordTLSHosts(_ context.Context, count int) {
	c.tlsHosts.Set(float64(count))
}

// RecordObjectOperation records an apply or delete of a managed object.
func (c *prometheusCollector) RecordObjectOperation(_ context.Context, kind, operation string) {
	c.objectOperations.WithLabelValues(kind, operation).Inc()
}

// RecordConfigBuildDuration records the duration of compiling ingresses into a configuration.
func (c *prometheusCollector) RecordConfigBuildDuration(_ context.Context, duration time.Duration) {
	c.configBuildDuration.Observe(duration.Seconds())
}

// RecordProxyRequest records a proxied request by outcome.
func (c *prometheusCollector) RecordProxyRequest(_ context.Context, outcome string, duration time.Duration) {
	c.proxyRequests.WithLabelValues(outcome).Inc()
	c.proxyRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTLSReload records a TLS store rebuild attempt.
func (c *prometheusCollector) RecordTLSReload(_ context.Context, status string) {
	c.tlsReloads.WithLabelValues(status).Inc()
}

// RecordTLSStoreHosts records the number of hosts in the installed TLS snapshot.
func (c *prometheusCollector) RecordTLSStoreHosts(_ context.Context, count int) {
	c.tlsStoreHosts.Set(float64(count))
}

func (c *prometheusCollector) initReconcileMetrics() {
	c.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pingress_reconcile_duration_seconds",
			Help:    "Duration of converging managed objects",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	c.reconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingress_reconcile_errors_total",
			Help: "Total reconcile errors by type",
		},
		[]string{"error_type"},
	)
	c.compiledRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pingress_compiled_rules",
			Help: "Number of path rules in the published configuration",
		},
	)
	c.tlsHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pingress_tls_hosts",
			Help: "Number of hosts in the aggregated TLS secret",
		},
	)
	c.objectOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingress_managed_object_operations_total",
			Help: "Managed object applies and deletes by kind and result",
		},
		[]string{"kind", "operation"},
	)
	c.configBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pingress_config_build_duration_seconds",
			Help:    "Duration of compiling ingresses into a routing configuration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
}

func (c *prometheusCollector) initProxyMetrics() {
	c.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingress_proxy_requests_total",
			Help: "Total proxied requests by outcome",
		},
		[]string{"outcome"},
	)
	c.proxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pingress_proxy_request_duration_seconds",
			Help:    "Duration of proxied requests by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	c.tlsReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pingress_tls_reloads_total",
			Help: "TLS store rebuilds triggered by file changes",
		},
		[]string{"status"},
	)
	c.tlsStoreHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pingress_tls_store_hosts",
			Help: "Number of hosts in the installed TLS store",
		},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.reconcileDuration,
		c.reconcileErrors,
		c.compiledRules,
		c.tlsHosts,
		c.objectOperations,
		c.configBuildDuration,
		c.proxyRequests,
		c.proxyRequestDuration,
		c.tlsReloads,
		c.tlsStoreHosts,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordReconcileDuration is a no-op.
func (c *NoopCollector) RecordReconcileDuration(_ context.Context, _ string, _ time.Duration) {}

// RecordReconcileError is a no-op.
func (c *NoopCollector) RecordReconcileError(_ context.Context, _ string) {}

// RecordCompiledRules is a no-op.
func (c *NoopCollector) RecordCompiledRules(_ context.Context, _ int) {}

// RecordTLSHosts is a no-op.
func (c *NoopCollector) RecordTLSHosts(_ context.Context, _ int) {}

// RecordObjectOperation is a no-op.
func (c *NoopCollector) RecordObjectOperation(_ context.Context, _, _ string) {}

// RecordConfigBuildDuration is a no-op.
func (c *NoopCollector) RecordConfigBuildDuration(_ context.Context, _ time.Duration) {}

// RecordProxyRequest is a no-op.
func (c *NoopCollector) RecordProxyRequest(_ context.Context, _ string, _ time.Duration) {}

// RecordTLSReload is a no-op.
func (c *NoopCollector) RecordTLSReload(_ context.Context, _ string) {}

// RecordTLSStoreHosts is a no-op.
func (c *NoopCollector) RecordTLSStoreHosts(_ context.Context, _ int) {}
