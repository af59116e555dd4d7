package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonemind_tasks_created_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"operation", "priority"},
	)

	tasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonemind_tasks_completed_total",
			Help: "Total number of tasks that finished successfully",
		},
		[]string{"operation"},
	)

	tasksFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonemind_tasks_failed_total",
			Help: "Total number of tasks that finished failed",
		},
		[]string{"operation"},
	)

	tasksCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonemind_tasks_cancelled_total",
			Help: "Total number of tasks that ended cancelled",
		},
		[]string{"operation"},
	)

	tasksRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonemind_tasks_retried_total",
			Help: "Total number of task retries scheduled",
		},
		[]string{"operation"},
	)

	tasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zonemind_tasks_running",
			Help: "Number of tasks currently executing",
		},
	)

	tasksSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zonemind_tasks_swept_total",
			Help: "Total number of stale running tasks failed by the crash sweep",
		},
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zonemind_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"operation", "status"},
	)
)
