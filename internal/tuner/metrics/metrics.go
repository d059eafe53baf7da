package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "tuner_"

var StatusTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "status_transitions_total",
		Help: "Status writes per entity kind and target status, split by whether they were accepted",
	},
	[]string{"kind", "status", "accepted"},
)

var TasksProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "tasks_processed_total",
		Help: "Dispatched task invocations per task name and outcome",
	},
	[]string{"task", "outcome"},
)

var TaskLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "task_latency_seconds",
		Help:    "Task handler latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
	[]string{"task"},
)

var TrackedContainers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "tracked_containers",
		Help: "Number of containers currently tracked in redis",
	},
)

var HyperbandIterations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "hyperband_decisions_total",
		Help: "Hyperband iteration decisions per decision type",
	},
	[]string{"decision"},
)

var ComputeObjectOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "compute_object_operations_total",
		Help: "Pods and services created or deleted by the spawner",
	},
	[]string{"object", "operation", "result"},
)
