package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control API metrics. Engine and worker metrics live in pkg/metrics.
var (
	deployRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_api_deploy_requests_total",
			Help: "Deploy requests by outcome (accepted, conflict, invalid, error)",
		},
		[]string{"result"},
	)
	destroyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nerine_api_destroy_requests_total",
			Help: "Destroy requests by outcome (accepted, noop, invalid, error)",
		},
		[]string{"result"},
	)
	dispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nerine_api_dispatch_failures_total",
		Help: "Jobs the API could not hand off to the dispatcher",
	})
)
