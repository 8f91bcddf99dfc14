package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uwgate_gateway_requests_total",
				Help: "Requests handled by the gateway, by route and status code",
			},
			[]string{"route", "method", "code"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uwgate_gateway_upstream_duration_seconds",
				Help:    "Latency of upstream calls, by upstream and outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"upstream", "outcome"},
		),
	}
	m.registry.MustRegister(m.requestsTotal, m.upstreamDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware counts every request under its chi route pattern, so
// wildcard routes do not explode the label set.
func (m *Metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

// observeUpstream records one upstream call. outcome is the status class
// ("2xx", "4xx", ...) or "error" for network failures.
func (m *Metrics) observeUpstream(upstream string, start time.Time, status int, err error) {
	outcome := "error"
	if err == nil {
		outcome = strconv.Itoa(status/100) + "xx"
	}
	m.upstreamDuration.WithLabelValues(upstream, outcome).Observe(time.Since(start).Seconds())
}
