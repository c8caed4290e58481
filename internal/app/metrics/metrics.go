// Package metrics exposes Prometheus collectors for the transfer engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration prometheus.Histogram
	IntentsTotal       *prometheus.CounterVec
	JobsFiredTotal     *prometheus.CounterVec
	JobsArmed          prometheus.Gauge
	CommissionsTotal   prometheus.Counter
	CommissionVolume   prometheus.Counter
	FollowupsPending   prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "submissions_total",
		Help:      "Ledger submissions by terminal receipt status.",
	}, []string{"status"})

	m.SubmissionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "phoenix",
		Name:      "submission_duration_seconds",
		Help:      "Wall time from build to terminal receipt state.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	m.IntentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "intents_total",
		Help:      "Transfer intents by terminal status.",
	}, []string{"status"})

	m.JobsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "jobs_fired_total",
		Help:      "Scheduled job firings by outcome.",
	}, []string{"outcome"})

	m.JobsArmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phoenix",
		Name:      "jobs_armed",
		Help:      "Jobs currently armed.",
	})

	m.CommissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "commissions_total",
		Help:      "Referral commission events recorded.",
	})

	m.CommissionVolume = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "commission_volume_base_units",
		Help:      "Total commission paid, in base units.",
	})

	m.FollowupsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phoenix",
		Name:      "followups_pending",
		Help:      "Deferred payouts awaiting retry.",
	})

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phoenix",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "phoenix",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	m.registry.MustRegister(
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.IntentsTotal,
		m.JobsFiredTotal,
		m.JobsArmed,
		m.CommissionsTotal,
		m.CommissionVolume,
		m.FollowupsPending,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request counting and latency
// observation under the given route label.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	counter := m.HTTPRequests.MustCurryWith(prometheus.Labels{"route": route})
	duration := m.HTTPDuration.MustCurryWith(prometheus.Labels{"route": route})
	return promhttp.InstrumentHandlerDuration(duration,
		promhttp.InstrumentHandlerCounter(counter, next))
}
