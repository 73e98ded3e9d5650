// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	ImagesStagedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_images_staged_total",
			Help: "Total number of images normalized into staging",
		},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_dispatches_total",
			Help: "Training dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trainer_dispatch_duration_seconds",
			Help:    "Time from start-training request to provider acceptance",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	ModelTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_model_transitions_total",
			Help: "Terminal model transitions by resulting status and reason",
		},
		[]string{"status", "reason"},
	)

	ReconcileChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_reconcile_checks_total",
			Help: "Provider status checks by observed provider status",
		},
		[]string{"provider_status"},
	)

	// Ledger metrics
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_ledger_entries_total",
			Help: "Ledger entries written by reason",
		},
		[]string{"reason"},
	)

	AccountingAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_accounting_alerts_total",
			Help: "Accounting invariant violations by kind",
		},
		[]string{"kind"},
	)

	// Upstream metrics
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trainer_upstream_request_duration_seconds",
			Help:    "External call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_upstream_errors_total",
			Help: "External call failures after retries, by operation",
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_api_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(ImagesStagedTotal)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(ModelTransitionsTotal)
	prometheus.MustRegister(ReconcileChecksTotal)
	prometheus.MustRegister(LedgerEntriesTotal)
	prometheus.MustRegister(AccountingAlertsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(UpstreamErrorsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
