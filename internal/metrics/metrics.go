package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts handled API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// LifecycleOpsTotal counts lifecycle operations by result
	// (applied, noop, unauthorized, invalid, error).
	LifecycleOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_lifecycle_operations_total",
			Help: "Total number of job lifecycle operations.",
		},
		[]string{"operation", "result"},
	)

	// WatchdogActionsTotal counts what the watchdog did to jobs.
	WatchdogActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportd_watchdog_actions_total",
			Help: "Total number of watchdog actions taken on jobs.",
		},
		[]string{"action"},
	)

	// WatchdogTickDuration observes the time spent in one supervision pass.
	WatchdogTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportd_watchdog_tick_duration_seconds",
			Help:    "Duration of watchdog ticks.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// JobsByStatus is the number of stored jobs per status after the last tick.
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reportd_jobs",
			Help: "Number of jobs by status.",
		},
		[]string{"status"},
	)

	// RunningWorkers is the number of live worker processes.
	RunningWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportd_running_workers",
			Help: "Number of live worker processes.",
		},
	)

	// IsLeader marks whether this node runs the watchdog. 1 if leader, 0 otherwise.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reportd_is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)

// Watchdog action labels.
const (
	ActionDispatched  = "dispatched"
	ActionSpawnFailed = "spawn_failed"
	ActionCompleted   = "completed"
	ActionFailed      = "failed"
	ActionRecovered   = "recovered"
	ActionTerminated  = "terminated"
	ActionKilled      = "killed"
	ActionDrained     = "drained"
	ActionDeleted     = "deleted"
	ActionArchived    = "archived"
)
