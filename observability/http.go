// Package observability provides the HTTP metrics middleware and delivery
// counters shared by the charges API and the bank simulator.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMetrics records per-route request counts and latencies on a dedicated
// prometheus registry, with an OTEL span wrapped around each request.
type HTTPMetrics struct {
	service   string
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// NewHTTPMetrics builds a registry scoped to one service binary.
func NewHTTPMetrics(service, prefix string) *HTTPMetrics {
	if service == "" {
		service = "pixcharge"
	}
	if prefix == "" {
		prefix = "pixcharge"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: prefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: prefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, durations)
	return &HTTPMetrics{
		service:   service,
		tracer:    otel.Tracer(service),
		requests:  requests,
		durations: durations,
		registry:  registry,
	}
}

// Middleware instruments a route. The route label is static so cardinality
// stays bounded regardless of path parameters.
func (m *HTTPMetrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := m.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the registry for a /metrics endpoint.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
