// Package metrics declares the prometheus collectors shared by the ledger
// client, the verification engine and the job pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_request_duration_seconds",
			Help:    "Duration of ledger gateway requests",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"op", "outcome"},
	)

	VerificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_attempts_total",
			Help: "Point-of-sale verification attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	CardLocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "card_locks_total",
			Help: "Cards locked after repeated failed verification",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Settlement jobs handled, by queue, type and outcome",
		},
		[]string{"queue", "type", "outcome"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Settlement job retries scheduled",
		},
		[]string{"queue"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Settlement jobs that exhausted their attempts",
		},
		[]string{"queue"},
	)
)

// Outcome maps an error to a metric label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// CreditEvents counts consumed credit order events by outcome.
var CreditEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_events_total",
		Help: "Credit order events read from the event stream",
	},
	[]string{"outcome"},
)
