// Package metrics holds the Prometheus collectors for the swarm.
// Collectors register with the default registry on package init and are exposed by the
// host through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed tracks the total number of terminal and retried attempts by status and type.
	// Labels:
	//   - status: "success", "retry", "blocked" or "cancelled"
	//   - type: task type
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentswarm_processed_total",
		Help: "The total number of processed task attempts",
	}, []string{"status", "type"})

	// TaskDuration tracks the time a worker spends in the execution pipeline.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentswarm_task_duration_seconds",
		Help:    "Duration of task execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// QueueDepth tracks the number of tasks per state, and pending tasks per priority.
	// Labels:
	//   - queue: "pending:<priority>", "in_progress", "completed", "blocked", "cancelled"
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentswarm_queue_depth",
		Help: "Number of tasks in each queue state",
	}, []string{"queue"})

	// QueueLatency tracks the time a task waits in its bucket before a worker claims it.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentswarm_queue_latency_seconds",
		Help:    "Time spent in queue before being claimed",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// MessagesPublished counts bus messages by type and delivery kind ("direct" or "broadcast").
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentswarm_bus_messages_total",
		Help: "Messages published on the agent bus",
	}, []string{"type", "kind"})

	// RequestTimeouts counts bus requests that expired without a correlated response.
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentswarm_bus_request_timeouts_total",
		Help: "Bus requests that timed out",
	})

	// HandlerErrors counts bus handlers that returned an error or panicked.
	HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentswarm_bus_handler_errors_total",
		Help: "Bus handler invocations that failed",
	})

	// WorkerRestarts counts restart attempts by outcome: "restarted", "unsuccessful", or "failed"
	// once the restart budget is spent.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentswarm_worker_restarts_total",
		Help: "Worker restart attempts made by the health monitor",
	}, []string{"agent", "outcome"})

	// UnhealthyWorkers is the number of workers flagged unhealthy by the last sweep.
	UnhealthyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentswarm_unhealthy_workers",
		Help: "Workers flagged unhealthy by the last health sweep",
	})
)
