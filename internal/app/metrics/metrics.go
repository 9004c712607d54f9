package metrics

import (
	"bufio"
	"fmt"
	"net"
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
			Namespace: "formscan",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formscan",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "formscan",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	pagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formscan",
			Subsystem: "crawler",
			Name:      "pages_fetched_total",
			Help:      "Total number of pages fetched during scans.",
		},
		[]string{"result"},
	)

	formsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "formscan",
			Subsystem: "crawler",
			Name:      "forms_extracted_total",
			Help:      "Total number of form iframes extracted.",
		},
	)

	scanRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formscan",
			Subsystem: "scans",
			Name:      "runs_total",
			Help:      "Total number of scan runs by terminal status.",
		},
		[]string{"status"},
	)

	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "formscan",
			Subsystem: "scans",
			Name:      "run_duration_seconds",
			Help:      "Duration of scan runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~6m
		},
		[]string{"status"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formscan",
			Subsystem: "cache",
			Name:      "page_lookups_total",
			Help:      "Page cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		pagesFetched,
		formsExtracted,
		scanRuns,
		scanDuration,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPageFetch counts a crawled page by result ("ok", "error", "skipped").
func RecordPageFetch(result string) {
	pagesFetched.WithLabelValues(result).Inc()
}

// RecordFormsExtracted counts extracted form iframes.
func RecordFormsExtracted(n int) {
	if n > 0 {
		formsExtracted.Add(float64(n))
	}
}

// RecordScanRun records a scan reaching a terminal status.
func RecordScanRun(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	scanRuns.WithLabelValues(status).Inc()
	scanDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordCacheLookup counts a page cache lookup ("hit" or "miss").
func RecordCacheLookup(outcome string) {
	cacheLookups.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack keeps websocket upgrades working through the wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// canonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "scans", "schedules":
	default:
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	if len(parts) == 2 {
		return "/" + parts[0] + "/:id"
	}
	return "/" + parts[0] + "/:id/" + strings.Join(parts[2:], "/")
}
