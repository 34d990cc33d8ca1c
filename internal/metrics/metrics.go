// Package metrics exposes the reactor's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric label values for step outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeHalt      = "halt"
	OutcomeCrashed   = "crashed"
	OutcomeFailed    = "failed"
)

var stepTypes = []string{"command", "event_wait", "state_wait"}

var (
	stepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_step_outcomes_total",
			Help: "Total number of step executions by type and outcome.",
		},
		[]string{"step_type", "outcome"},
	)

	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reactor_wait_duration_seconds",
			Help:    "Bounded-wait duration from step entry to outcome, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactor_compensations_total",
			Help: "Total number of compensation runs by outcome.",
		},
		[]string{"outcome"},
	)

	inflightWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reactor_inflight_workers",
			Help: "Number of rig workers currently executing commands.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepOutcomes)
	prometheus.MustRegister(waitDuration)
	prometheus.MustRegister(compensations)
	prometheus.MustRegister(inflightWorkers)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, st := range stepTypes {
		stepOutcomes.WithLabelValues(st, OutcomeCompleted)
		stepOutcomes.WithLabelValues(st, OutcomeTimeout)
		stepOutcomes.WithLabelValues(st, OutcomeFailed)
	}
	compensations.WithLabelValues(OutcomeCompleted)
	compensations.WithLabelValues(OutcomeTimeout)
	compensations.WithLabelValues(OutcomeFailed)
}

// ObserveStep records one step execution.
func ObserveStep(stepType, outcome string, d time.Duration) {
	stepOutcomes.WithLabelValues(stepType, outcome).Inc()
	waitDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// ObserveCompensation records one compensation run.
func ObserveCompensation(outcome string) {
	compensations.WithLabelValues(outcome).Inc()
}

// WorkerStarted bumps the in-flight worker gauge.
func WorkerStarted() { inflightWorkers.Inc() }

// WorkerDone drops the in-flight worker gauge.
func WorkerDone() { inflightWorkers.Dec() }

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
