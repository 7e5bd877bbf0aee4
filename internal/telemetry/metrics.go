package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avatarforge",
			Subsystem: "provider",
			Name:      "attempts_total",
			Help:      "Provider invocation attempts by model and outcome.",
		},
		[]string{"model", "outcome"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "avatarforge",
			Subsystem: "provider",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single provider attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
		},
		[]string{"model"},
	)

	VariantResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avatarforge",
			Subsystem: "pipeline",
			Name:      "variants_total",
			Help:      "Settled style variants by status.",
		},
		[]string{"status"},
	)

	PipelineRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "avatarforge",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs by kind and status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"kind", "status"},
	)

	PersistedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avatarforge",
			Subsystem: "storage",
			Name:      "persisted_bytes_total",
			Help:      "Bytes written to the object store by entry mode.",
		},
		[]string{"mode"},
	)

	PersistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "avatarforge",
			Subsystem: "storage",
			Name:      "persist_failures_total",
			Help:      "Failed persist operations by entry mode.",
		},
		[]string{"mode"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ProviderAttempts,
		ProviderLatency,
		VariantResults,
		PipelineRuns,
		PersistedBytes,
		PersistFailures,
	)
}

// Handler exposes the registry for scraping
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
