package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_started_total",
		Help: "Total number of publish tasks started",
	}, []string{"platform"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_completed_total",
		Help: "Total number of publish tasks that reached a terminal status",
	}, []string{"platform", "status"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_task_retries_total",
		Help: "Total number of publish task retry re-queues",
	}, []string{"platform"})

	BatchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_batches_started_total",
		Help: "Total number of batch runs started",
	})

	BatchesStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_batches_stopped_total",
		Help: "Total number of batch runs that stopped before completing",
	})

	ExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_exec_duration_seconds",
		Help:    "Time taken to execute a publish task end to end",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"platform"})

	CleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_cleanup_duration_seconds",
		Help:    "Time taken to release a browser session after a task",
		Buckets: prometheus.DefBuckets,
	})

	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_ticks_total",
		Help: "Total number of scheduler polling ticks",
	})

	StaleTasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_stale_tasks_swept_total",
		Help: "Total number of stuck running tasks recovered by the sweeper",
	})

	TasksExecuting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_tasks_executing",
		Help: "Number of tasks currently executing on this instance",
	})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_event_subscribers",
		Help: "Number of live progress event subscribers",
	})
)
