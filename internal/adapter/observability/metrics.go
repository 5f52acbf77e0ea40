// Package observability provides logging, metrics, and tracing setup shared
// across the worker process.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsByPhase is a gauge of jobs currently in each phase.
	JobsByPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_by_phase",
			Help: "Number of jobs currently in each phase",
		},
		[]string{"phase"},
	)
	// JobsCompletedTotal counts jobs that reached the completed phase.
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	// JobsFailedTotal counts jobs that reached the failed phase.
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
	)

	// PhaseTransitionsTotal counts successful CAS phase transitions by
	// from/to phase.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_transitions_total",
			Help: "Total number of successful phase transitions",
		},
		[]string{"from", "to"},
	)
	// PhaseTransitionStaleTotal counts CAS transitions that lost the race
	// (ErrStalePhase), an expected outcome under concurrent delivery.
	PhaseTransitionStaleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phase_transition_stale_total",
			Help: "Total number of phase transitions that lost the compare-and-swap race",
		},
		[]string{"to"},
	)
	// WatermarkExpiredTotal counts watermark timer firings by asset kind.
	WatermarkExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watermark_expired_total",
			Help: "Total number of watermark deadlines that fired before the expected count was reached",
		},
		[]string{"kind"},
	)
	// MatchesAcceptedTotal counts accepted product-video matches.
	MatchesAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matches_accepted_total",
			Help: "Total number of accepted product-video matches",
		},
	)
	// MatchPairsEvaluatedTotal counts every product-image/video-frame pair
	// scored by the matching engine.
	MatchPairsEvaluatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "match_pairs_evaluated_total",
			Help: "Total number of product-image/video-frame pairs scored",
		},
	)
	// EventsDeduplicatedTotal counts events dropped as duplicate deliveries.
	EventsDeduplicatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_deduplicated_total",
			Help: "Total number of duplicate event deliveries dropped by the idempotency ledger",
		},
		[]string{"event_name"},
	)
	// DLQMessagesTotal counts messages moved to the dead-letter queue.
	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages moved to the dead-letter queue",
		},
		[]string{"topic"},
	)
	// CircuitBreakerStatus tracks circuit breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsByPhase)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(PhaseTransitionsTotal)
	prometheus.MustRegister(PhaseTransitionStaleTotal)
	prometheus.MustRegister(WatermarkExpiredTotal)
	prometheus.MustRegister(MatchesAcceptedTotal)
	prometheus.MustRegister(MatchPairsEvaluatedTotal)
	prometheus.MustRegister(EventsDeduplicatedTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordPhaseTransition records a successful CAS phase transition.
func RecordPhaseTransition(from, to string) {
	PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordStaleTransition records a CAS transition that lost the race.
func RecordStaleTransition(to string) {
	PhaseTransitionStaleTotal.WithLabelValues(to).Inc()
}

// RecordWatermarkExpired records a watermark deadline firing for kind.
func RecordWatermarkExpired(kind string) {
	WatermarkExpiredTotal.WithLabelValues(kind).Inc()
}

// RecordDuplicateEvent records a duplicate event delivery dropped by the
// idempotency ledger.
func RecordDuplicateEvent(eventName string) {
	EventsDeduplicatedTotal.WithLabelValues(eventName).Inc()
}

// RecordDLQMessage records a message moved to the dead-letter queue.
func RecordDLQMessage(topic string) {
	DLQMessagesTotal.WithLabelValues(topic).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(name string, status int) {
	CircuitBreakerStatus.WithLabelValues(name).Set(float64(status))
}
