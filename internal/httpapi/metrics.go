package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern, method and status",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minerd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"path", "method"},
	)

	// Unlabelled: the route pattern is not known before chi routes the
	// request, and the raw path is unbounded (/devices/{linear}).
	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minerd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
	)

	httpNotReadyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minerd",
			Subsystem: "http",
			Name:      "not_ready_total",
			Help:      "Readiness probes answered 503, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, httpNotReadyTotal)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush passes through so compressed responses can still be flushed.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware counts and times requests by chi route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(sr.status)).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the chi route pattern of a routed request. Requests
// no route matched are folded into one label value.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
		return "unmatched"
	}
	return r.URL.Path
}

// incrementNotReady is called when /readyz answers 503.
func incrementNotReady(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	httpNotReadyTotal.WithLabelValues(reason).Inc()
}
