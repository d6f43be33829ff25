package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "clinic"
	subsystem = "automation"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "appointment_transitions_total",
			Help:      "Appointment status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	transitionRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "appointment_transitions_rejected_total",
			Help:      "Transition requests rejected by the allowed-transition table",
		},
		[]string{"from", "to"},
	)

	actionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_executed_total",
			Help:      "Action executions by action type and outcome",
		},
		[]string{"action_type", "outcome"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "action_handler_duration_seconds",
			Help:      "Time spent inside action handlers",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_processed_total",
			Help:      "Scheduled jobs processed by tenant, job type and outcome",
		},
		[]string{"tenant", "job_type", "outcome"},
	)

	jobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_claimed_total",
			Help:      "Jobs atomically claimed by poll cycles",
		},
		[]string{"tenant"},
	)
)

func ObserveTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

func ObserveRejectedTransition(from, to string) {
	transitionRejectedTotal.WithLabelValues(from, to).Inc()
}

func ObserveActionExecution(actionType, outcome string, took time.Duration) {
	actionsExecutedTotal.WithLabelValues(actionType, outcome).Inc()
	handlerDuration.WithLabelValues(actionType).Observe(took.Seconds())
}

func ObserveJob(tenant, jobType, outcome string) {
	jobsProcessedTotal.WithLabelValues(tenant, jobType, outcome).Inc()
}

func ObserveClaimed(tenant string, n int) {
	jobsClaimed.WithLabelValues(tenant).Add(float64(n))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
