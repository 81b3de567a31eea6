// Package metrics exposes the prometheus collectors for the API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "congregation",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "congregation",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "congregation",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	manifestRegenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "congregation",
			Subsystem: "manifest",
			Name:      "regenerations_total",
			Help:      "Manifest regenerations by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	manifestFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "congregation",
			Subsystem: "manifest",
			Name:      "files",
			Help:      "Number of files in the last written manifest.",
		},
	)

	blobFetchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "congregation",
			Subsystem: "manifest",
			Name:      "blob_fetches_inflight",
			Help:      "Blob fetches currently in flight for batch resolves.",
		},
	)

	pushTickets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "congregation",
			Subsystem: "push",
			Name:      "tickets_total",
			Help:      "Push notification tickets by status.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		manifestRegenerations,
		manifestFiles,
		blobFetchesInFlight,
		pushTickets,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one handled request. path should be a route template.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func IncInFlight() { httpInFlight.Inc() }
func DecInFlight() { httpInFlight.Dec() }

// RecordManifestRegeneration records a regeneration attempt.
func RecordManifestRegeneration(trigger string, err error, fileCount int) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		manifestFiles.Set(float64(fileCount))
	}
	manifestRegenerations.WithLabelValues(trigger, outcome).Inc()
}

func IncBlobFetches() { blobFetchesInFlight.Inc() }
func DecBlobFetches() { blobFetchesInFlight.Dec() }

// RecordPushTickets adds push ticket outcomes.
func RecordPushTickets(sent, failed int) {
	if sent > 0 {
		pushTickets.WithLabelValues("ok").Add(float64(sent))
	}
	if failed > 0 {
		pushTickets.WithLabelValues("error").Add(float64(failed))
	}
}
