package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeployDurationSeconds tracks how long container provisioning takes,
	// from image pull to the final database write.
	DeployDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nerine_deploy_duration_seconds",
			Help:    "Duration of challenge deploy operations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"challenge", "strategy"},
	)

	DestroyDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nerine_destroy_duration_seconds",
			Help:    "Duration of challenge destroy operations in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60},
		},
		[]string{"challenge"},
	)

	// DeployOpsTotal counts completed deploy operations by challenge and outcome.
	// result label is "success" or the error kind.
	DeployOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_deploy_ops_total",
			Help: "Total number of completed deploy operations by challenge and result",
		},
		[]string{"challenge", "result"},
	)

	// DestroyOpsTotal counts destroy operations. result is "success", "noop" or the error kind.
	DestroyOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_destroy_ops_total",
			Help: "Total number of completed destroy operations by challenge and result",
		},
		[]string{"challenge", "result"},
	)

	// CompensationFailuresTotal counts rollback steps that failed after a deploy error.
	// These leave resources behind that need manual cleanup.
	CompensationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_compensation_failures_total",
			Help: "Total number of failed rollback steps after a failed deploy",
		},
		[]string{"step"},
	)

	// ExpiriesTotal counts instanced deployments destroyed by the expiry scheduler.
	ExpiriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nerine_expiries_total",
			Help: "Total number of deployments destroyed on expiry",
		},
	)

	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_job_retries_total",
			Help: "Total number of worker job retries due to transient errors",
		},
		[]string{"job_type"},
	)

	// JobPermanentFailuresTotal counts jobs that failed permanently (exhausted retries or non-transient error).
	JobPermanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_job_permanent_failures_total",
			Help: "Total number of worker jobs that failed permanently",
		},
		[]string{"job_type"},
	)

	// DeploymentLifetimeSeconds tracks the time a deployment was alive,
	// from creation to successful teardown.
	DeploymentLifetimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nerine_deployment_lifetime_seconds",
			Help:    "Total lifetime of a deployment from creation to teardown",
			Buckets: []float64{5 * 60, 10 * 60, 30 * 60, 60 * 60, 4 * 3600, 24 * 3600, 72 * 3600},
		},
		[]string{"challenge"},
	)

	// JobQueueWaitSeconds tracks how long jobs wait in the Redis queue before
	// being picked up by a worker. Only meaningful when Redis is configured.
	JobQueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nerine_job_queue_wait_seconds",
			Help:    "Time jobs spend waiting in the Redis queue before processing",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120},
		},
		[]string{"job_type"},
	)

	// StalledRecoveredTotal counts unfinished deploys and teardowns cleaned up
	// after their worker died. stage is "deploy" or "teardown".
	StalledRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_stalled_recovered_total",
			Help: "Deployments left half-done by a crashed worker and recovered",
		},
		[]string{"stage"},
	)

	// ChallengesIndexed reports how many challenges are loaded per category.
	ChallengesIndexed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nerine_challenges_indexed",
			Help: "Number of challenges currently indexed per category",
		},
		[]string{"category"},
	)
)

// SetChallengesIndexed resets and repopulates the ChallengesIndexed gauge from
// a category → count map.
func SetChallengesIndexed(categoryCounts map[string]int) {
	ChallengesIndexed.Reset()
	for cat, count := range categoryCounts {
		ChallengesIndexed.WithLabelValues(cat).Set(float64(count))
	}
}
