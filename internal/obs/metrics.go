package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	initOnce sync.Once

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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	identityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_events_total",
			Help: "Identity lifecycle events by type.",
		},
		[]string{"type"},
	)

	eventPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_event_publish_failures_total",
		Help: "Identity events that could not be handed to the broker.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "helpdesk_ready",
		Help: "1 when the last readiness check passed.",
	})
)

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			identityEventsTotal, eventPublishFailures, readyGauge)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountIdentityEvent increments identity_events_total for eventType.
func CountIdentityEvent(eventType string) {
	identityEventsTotal.WithLabelValues(eventType).Inc()
}

// IdentityEventCount reads the current counter value; used by tests.
func IdentityEventCount(eventType string) float64 {
	return counterValue(identityEventsTotal.WithLabelValues(eventType))
}

// CountPublishFailure records an event the broker rejected.
func CountPublishFailure() {
	eventPublishFailures.Inc()
}

// SetReady records the outcome of a readiness check.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Обёртка для измерения RPS/latency/в полёте.
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

// CanonicalPath collapses identifiers in known collection paths so label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts)-1; i++ {
		switch parts[i] {
		case "identities", "organizations":
			if parts[i+1] != "" {
				parts[i+1] = ":id"
			}
			i++
		}
	}
	return strings.Join(parts, "/")
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
