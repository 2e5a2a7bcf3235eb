package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_webhook_events_total",
			Help: "Outcome webhook deliveries by flow step",
		},
		[]string{"step"},
	)

	outcomesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_outcomes_total",
			Help: "Call outcomes recorded by code",
		},
		[]string{"outcome"},
	)

	sideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_side_effect_failures_total",
			Help: "Best-effort operations that failed and were swallowed",
		},
		[]string{"operation"},
	)

	crmUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_crm_updates_total",
			Help: "CRM result updates by persistence method",
		},
		[]string{"method"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency, labelled by route template
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordWebhookEvent(step string) {
	if step == "" {
		step = "unknown"
	}
	webhookEvents.WithLabelValues(step).Inc()
}

func RecordOutcome(outcome string) {
	outcomesRecorded.WithLabelValues(outcome).Inc()
}

func RecordSideEffectFailure(operation string) {
	sideEffectFailures.WithLabelValues(operation).Inc()
}

func RecordCRMUpdate(method string) {
	crmUpdates.WithLabelValues(method).Inc()
}
