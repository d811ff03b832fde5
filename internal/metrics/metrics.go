// Package metrics holds the Prometheus collectors for the version ledger and
// its HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	VersionsAppended  *prometheus.CounterVec
	WriteConflicts    *prometheus.CounterVec
	ConflictRetries   prometheus.Counter
	PolicyRejections  *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	CacheLookups       *prometheus.CounterVec
	CollaboratorErrors *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ServerStartTime time.Time
}

// New registers every collector on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg, ServerStartTime: time.Now()}

	m.VersionsAppended = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workshelf_versions_appended_total",
			Help: "Versions appended to the ledger",
		},
		[]string{"kind", "mode"},
	)

	m.WriteConflicts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workshelf_write_conflicts_total",
			Help: "Appends that lost the compare-and-set on the current version pointer",
		},
		[]string{"operation"},
	)

	m.ConflictRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "workshelf_conflict_retries_total",
			Help: "Write attempts reissued after a concurrent modification",
		},
	)

	m.PolicyRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workshelf_policy_rejections_total",
			Help: "Writes rejected by mode policy",
		},
		[]string{"reason"},
	)

	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workshelf_operation_duration_seconds",
			Help:    "Latency of versioning operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	m.CacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workshelf_cache_lookups_total",
			Help: "Current-version cache lookups",
		},
		[]string{"result"},
	)

	m.CollaboratorErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workshelf_collaborator_errors_total",
			Help: "Failures in post-write side effects",
		},
		[]string{"collaborator"},
	)

	m.HTTPRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workshelf_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workshelf_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation records the latency of one versioning call.
func (m *Metrics) ObserveOperation(operation string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OperationDuration.WithLabelValues(operation, result).Observe(time.Since(started).Seconds())
}
