// Package observability exposes Prometheus collectors for the crawler
// and archive components. Collectors live on a per-instance registry
// passed down as a dependency, so tests and embedded uses never fight
// over the global default registry.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the system updates.
type Metrics struct {
	registry *prometheus.Registry

	// Archive side.
	FilesArchived *prometheus.CounterVec // labels: archive_type
	BytesArchived *prometheus.CounterVec // labels: archive_type
	PartsWritten  *prometheus.CounterVec // labels: archive_type
	FlushFailures *prometheus.CounterVec // labels: archive_type

	// Crawl side.
	TasksTotal        *prometheus.CounterVec // labels: status
	CrawlRequests     *prometheus.CounterVec // labels: kind, outcome
	CaptchaAttempts   prometheus.Counter
	CaptchaRejected   prometheus.Counter
	RateLimitWaits    prometheus.Histogram
	DuplicatesSkipped prometheus.Counter

	ActiveWorkers prometheus.Gauge
}

// NewMetrics builds a metrics set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FilesArchived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courtarchive_files_archived_total",
			Help: "Files packed into tar parts, labeled by archive type.",
		}, []string{"archive_type"}),

		BytesArchived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courtarchive_bytes_archived_total",
			Help: "Payload bytes packed into tar parts, labeled by archive type.",
		}, []string{"archive_type"}),

		PartsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courtarchive_parts_written_total",
			Help: "Tar parts uploaded to object storage, labeled by archive type.",
		}, []string{"archive_type"}),

		FlushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courtarchive_flush_failures_total",
			Help: "Partition flushes that failed and left staging intact.",
		}, []string{"archive_type"}),

		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courtarchive_tasks_total",
			Help: "Crawl tasks processed, labeled by final status.",
		}, []string{"status"}),

		CrawlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courtarchive_crawl_requests_total",
			Help: "Requests against the court portal, labeled by kind and outcome.",
		}, []string{"kind", "outcome"}),

		CaptchaAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "courtarchive_captcha_attempts_total",
			Help: "Captcha images sent to the solver.",
		}),

		CaptchaRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "courtarchive_captcha_rejected_total",
			Help: "Search submissions the portal rejected for a wrong captcha answer.",
		}),

		RateLimitWaits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courtarchive_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the portal rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "courtarchive_duplicates_skipped_total",
			Help: "Fetches avoided because the file is already archived.",
		}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courtarchive_active_workers",
			Help: "Workers currently processing a task.",
		}),
	}
}

// Handler returns an HTTP handler serving this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
