package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webguard_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_decisions_total",
		Help: "Permission decisions by capability kind and outcome.",
	}, []string{"kind", "outcome"})

	downloadsInterceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_downloads_intercepted_total",
		Help: "Intercepted download events by outcome.",
	}, []string{"outcome"})

	signalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webguard_signals_total",
		Help: "Behavior signals ingested by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, decisionsTotal, downloadsInterceptedTotal, signalsTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
