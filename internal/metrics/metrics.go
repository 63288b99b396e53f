// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal              *prometheus.CounterVec
	jobDurationSeconds     *prometheus.HistogramVec
	queueDepth             prometheus.Gauge
	jobsInFlight           prometheus.Gauge
	courtesyWaitSeconds    *prometheus.HistogramVec
	courtesyRejectionTotal *prometheus.CounterVec
	verdictsTotal          *prometheus.CounterVec
	recordsPersistedTotal  *prometheus.CounterVec
	deadLettersTotal       prometheus.Counter
	apiRequestsTotal       *prometheus.CounterVec
	apiRejectionsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once; every
// Observe helper calls it.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsync_jobs_total",
				Help: "Scrape jobs finished, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "civicsync_job_duration_seconds",
				Help:    "Wall time of one job attempt, labeled by tier.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"tier"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "civicsync_queue_depth",
				Help: "Jobs waiting in the priority queue.",
			},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "civicsync_jobs_in_flight",
				Help: "Jobs currently held by a worker.",
			},
		)

		courtesyWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "civicsync_courtesy_wait_seconds",
				Help:    "Time spent waiting for a per-domain courtesy permit.",
				Buckets: []float64{0.1, 0.5, 1, 1.5, 2, 5, 10},
			},
			[]string{"domain"},
		)

		courtesyRejectionTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsync_courtesy_rejections_total",
				Help: "Jobs deferred because the courtesy limiter refused a permit.",
			},
			[]string{"domain"},
		)

		verdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsync_verdicts_total",
				Help: "Quality verdicts, labeled by scope (record or batch) and verdict.",
			},
			[]string{"scope", "verdict"},
		)

		recordsPersistedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsync_records_persisted_total",
				Help: "Records persisted after validation, labeled by kind.",
			},
			[]string{"kind"},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "civicsync_dead_letters_total",
				Help: "Jobs moved to the dead-letter store.",
			},
		)

		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsync_api_requests_total",
				Help: "Operator API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		apiRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civicsync_api_rate_limited_total",
				Help: "Operator API requests refused by the sliding-window limiter, labeled by role.",
			},
			[]string{"role"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob records one finished job attempt.
func ObserveJob(tier, outcome string, d time.Duration) {
	Init()
	jobsTotal.WithLabelValues(tier, outcome).Inc()
	jobDurationSeconds.WithLabelValues(tier).Observe(d.Seconds())
}

// SetQueue publishes the queue gauges.
func SetQueue(depth, inFlight int) {
	Init()
	queueDepth.Set(float64(depth))
	jobsInFlight.Set(float64(inFlight))
}

// ObserveCourtesyWait records how long a worker waited for a permit.
func ObserveCourtesyWait(domain string, d time.Duration) {
	Init()
	courtesyWaitSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveCourtesyRejection counts a deferred job.
func ObserveCourtesyRejection(domain string) {
	Init()
	courtesyRejectionTotal.WithLabelValues(domain).Inc()
}

// ObserveVerdict counts a record or batch verdict.
func ObserveVerdict(scope, verdict string, n int) {
	Init()
	if n > 0 {
		verdictsTotal.WithLabelValues(scope, verdict).Add(float64(n))
	}
}

// ObservePersisted counts persisted records of one kind.
func ObservePersisted(kind string, n int) {
	Init()
	if n > 0 {
		recordsPersistedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveDeadLetter counts a dead-lettered job.
func ObserveDeadLetter() {
	Init()
	deadLettersTotal.Inc()
}

// ObserveAPIRequest counts an operator API request.
func ObserveAPIRequest(method string, code int) {
	Init()
	apiRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveAPIRejection counts a rate-limited API request.
func ObserveAPIRejection(role string) {
	Init()
	apiRejectionsTotal.WithLabelValues(role).Inc()
}
