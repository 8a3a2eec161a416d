// Package metrics holds the Prometheus collectors shared by the collaboration
// server. Collectors register with the default registry on init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpsAccepted counts accepted operations by kind.
	OpsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_operations_accepted_total",
		Help: "Total accepted operations by kind",
	}, []string{"kind"})

	// OpsRejected counts rejected submissions by reason.
	OpsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_operations_rejected_total",
		Help: "Total rejected submissions by reason",
	}, []string{"reason"})

	// ApplyClamped counts operations whose position or range was clamped.
	ApplyClamped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_apply_clamped_total",
		Help: "Total operations clamped to document bounds on apply",
	})

	// TransformDuration tracks the time to transform an operation against
	// its concurrent history.
	TransformDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_transform_duration_seconds",
		Help:    "Transform duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
	})

	// ConcurrentOps tracks how many operations an incoming op was transformed against.
	ConcurrentOps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_transform_concurrent_operations",
		Help:    "Number of concurrent operations per transform",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
	})

	// ActiveSessions is the number of loaded document sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_sessions",
		Help: "Number of document sessions currently loaded",
	})

	// PersistFailures counts failed writes to the store by stage.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_persist_failures_total",
		Help: "Total failed store writes by stage",
	}, []string{"stage"})

	// PublishFailures counts events that could not be published, by publisher.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_publish_failures_total",
		Help: "Total events dropped by publisher",
	}, []string{"publisher"})
)
