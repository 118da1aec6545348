package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatchOutcome classifies a single invalidation attempt.
type DispatchOutcome string

const (
	// DispatchSucceeded indicates the provider accepted the ban expression.
	DispatchSucceeded DispatchOutcome = "succeeded"
	// DispatchConnectionFailure indicates a transport-level failure.
	DispatchConnectionFailure DispatchOutcome = "connection_failure"
	// DispatchRequestFailure indicates any other dispatch failure.
	DispatchRequestFailure DispatchOutcome = "request_failure"
	// DispatchMalformed indicates the expression never reached the provider.
	DispatchMalformed DispatchOutcome = "malformed"
)

// Recorder publishes Prometheus metrics for purger activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	dispatchRequests *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec

	healthChecks *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	dispatchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectl",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Invalidations processed per purger, kind and outcome.",
	}, []string{"purger", "kind", "outcome"})

	dispatchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "purgectl",
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for ban expression dispatches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"purger", "kind", "outcome"})

	healthChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purgectl",
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Provider health checks grouped by resulting status.",
	}, []string{"purger", "status"})

	reg.MustRegister(dispatchRequests, dispatchLatency, healthChecks)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		dispatchRequests: dispatchRequests,
		dispatchLatency:  dispatchLatency,
		healthChecks:     healthChecks,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveDispatch records the outcome and latency of one invalidation.
func (r *Recorder) ObserveDispatch(purger, kind string, outcome DispatchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	purgerLabel := normalizeLabel(purger)
	kindLabel := normalizeLabel(kind)
	outcomeLabel := normalizeLabel(string(outcome))
	r.dispatchRequests.WithLabelValues(purgerLabel, kindLabel, outcomeLabel).Inc()
	r.dispatchLatency.WithLabelValues(purgerLabel, kindLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveHealth records a health check result.
func (r *Recorder) ObserveHealth(purger, status string) {
	if r == nil {
		return
	}
	r.healthChecks.WithLabelValues(normalizeLabel(purger), normalizeLabel(strings.ToLower(status))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
