// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// AcceptAttemptsTotal counts accept outcomes. "won" is the single CAS
	// winner, "lost" the contention outcome, "rejected" a precondition
	// violation, "error" a transient infra failure.
	AcceptAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accept_attempts_total",
			Help: "Total number of task accept attempts by outcome.",
		},
		[]string{"outcome"},
	)

	AlertsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_sent_total",
			Help: "Total number of new-task alerts pushed to workers.",
		},
	)

	RetractionsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retractions_sent_total",
			Help: "Total number of task retraction events pushed to workers.",
		},
	)

	ReclaimedTasksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reclaimed_tasks_total",
			Help: "Total number of abandoned tasks returned to the pool by the reclaim sweep.",
		},
	)

	// OfflinePushFallbackTotal counts task creations that found nobody
	// online, where the external push collaborator takes over.
	OfflinePushFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_push_fallback_total",
			Help: "Task creations with zero online workers to alert.",
		},
	)

	OnlineWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "online_workers",
			Help: "Number of workers currently online in the presence registry.",
		},
	)

	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the reclaim leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
