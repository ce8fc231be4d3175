package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Authorization-core metrics.
var (
	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authorization gate outcomes.",
		},
		[]string{"outcome"},
	)

	permissionCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_cache_events_total",
			Help: "Permission resolver cache hits, misses, errors and purges.",
		},
		[]string{"event"},
	)

	refreshRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_rotations_total",
			Help: "Refresh token rotation outcomes, including reuse detections.",
		},
		[]string{"outcome"},
	)

	revocationJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revocation_jobs_total",
			Help: "Revocation coordinator job executions by outcome.",
		},
		[]string{"job", "outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		authDecisions, permissionCacheEvents, refreshRotations, revocationJobs,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// AuthDecision records a gate outcome (allow, unauthenticated, forbidden,
// cross_org, unavailable).
func AuthDecision(outcome string) {
	authDecisions.WithLabelValues(outcome).Inc()
}

// PermissionCacheEvent records a cache-layer event (hit, miss, error, purge).
func PermissionCacheEvent(event string) {
	permissionCacheEvents.WithLabelValues(event).Inc()
}

// RefreshRotation records a rotation outcome (rotated, expired, not_found,
// reuse_detected).
func RefreshRotation(outcome string) {
	refreshRotations.WithLabelValues(outcome).Inc()
}

// RevocationJob records a coordinator job run (ok, retry, failed).
func RevocationJob(job, outcome string) {
	revocationJobs.WithLabelValues(job, outcome).Inc()
}

// Instrument wraps an http.Handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	// /v1/<collection>/<id>[/<sub>] becomes /v1/<collection>/:id[/<sub>]
	if len(segments) >= 4 && segments[1] == "v1" && segments[3] != "" {
		switch segments[2] {
		case "organizations", "users", "roles", "devices":
			segments[3] = ":id"
			if len(segments) > 5 && segments[5] != "" {
				segments[5] = ":id"
			}
			return strings.Join(segments, "/")
		}
	}
	return path
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
