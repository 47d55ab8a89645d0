// Package metrics exposes Prometheus collectors for the booking engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supplybot_tasks",
		Help: "Number of tasks per pipeline status",
	}, []string{"status"})

	draftAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supplybot_draft_attempts_total",
		Help: "Total draft creation attempts across all strategies",
	})

	rateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supplybot_rate_limit_hits_total",
		Help: "Total 429 responses from the seller API",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supplybot_stage_duration_seconds",
		Help:    "Wall-clock duration of one stage handler invocation",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	remoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supplybot_remote_calls_total",
		Help: "Seller API calls by path and status class",
	}, []string{"path", "class"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetTasksByStatus replaces the per-status task gauge values.
func SetTasksByStatus(counts map[string]int) {
	tasksByStatus.Reset()
	for status, n := range counts {
		tasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// IncDraftAttempt counts one draft creation attempt.
func IncDraftAttempt() {
	draftAttempts.Inc()
}

// IncRateLimitHit counts one 429 response.
func IncRateLimitHit() {
	rateLimitHits.Inc()
}

// ObserveStage records the duration of one stage handler run.
func ObserveStage(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

// IncRemoteCall counts a seller API call by path and status class
// ("ok", "client_error", "server_error", "rate_limited", "transport").
func IncRemoteCall(path, class string) {
	remoteCalls.WithLabelValues(path, class).Inc()
}
