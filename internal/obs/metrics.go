// Package obs holds the Prometheus collectors shared by the API.
package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zuzalu_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuzalu_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zuzalu_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// BlockDecodeFailures counts content items whose stored value could not be decoded.
	BlockDecodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuzalu_block_decode_failures_total",
			Help: "Content items that failed to decode, by property type.",
		},
		[]string{"property_type"},
	)

	// DecryptOutcomes counts per-item decrypt attempts by result.
	DecryptOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuzalu_decrypt_outcomes_total",
			Help: "Threshold decrypt attempts by outcome (ok, failed, not_envelope).",
		},
		[]string{"outcome"},
	)

	// ReflectionFetchFailures counts reply pages that degraded to an empty page.
	ReflectionFetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zuzalu_reflection_fetch_failures_total",
		Help: "Reflection page fetches that failed and were replaced by an empty page.",
	})

	// SessionNegotiations counts session credential negotiations by result.
	SessionNegotiations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuzalu_session_negotiations_total",
			Help: "Decryption session negotiations by source (network, cache, signin) and result.",
		},
		[]string{"source", "result"},
	)
)

var registerOnce sync.Once

// Init registers every collector in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			BlockDecodeFailures,
			DecryptOutcomes,
			ReflectionFetchFailures,
			SessionNegotiations,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency. route maps a request to a
// low-cardinality label; raw paths carry IDs and must not be used directly.
func Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		label := r.URL.Path
		if route != nil {
			label = route(r)
		}

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, label, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, label, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
