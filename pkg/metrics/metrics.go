package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stage metrics
	StagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ftsched_stages_total",
			Help: "Total number of stages by status",
		},
		[]string{"status"},
	)

	StageCPUSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftsched_stage_cpu_seconds_total",
			Help: "Cumulative CPU time reported by finished attempts, per stage",
		},
		[]string{"stage_id"},
	)

	StagePeakMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ftsched_stage_peak_memory_bytes",
			Help: "Peak memory observed across a stage's attempts",
		},
		[]string{"stage_id"},
	)

	// Task scheduling metrics
	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ftsched_tasks_scheduled_total",
			Help: "Total number of task attempts created",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftsched_tasks_failed_total",
			Help: "Total number of task attempt failures by fault kind",
		},
		[]string{"kind"},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ftsched_tasks_retried_total",
			Help: "Total number of task attempts re-submitted after a retriable failure",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ftsched_scheduling_latency_seconds",
			Help:    "Time taken by one stage scheduler schedule() cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodeLeaseWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ftsched_node_lease_wait_seconds",
			Help:    "Time between a lease being requested and a node being assigned",
			Buckets: prometheus.DefBuckets,
		},
	)

	PartitionMemoryEstimateBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ftsched_partition_memory_estimate_bytes",
			Help:    "Memory estimate handed to a task attempt at creation time",
			Buckets: prometheus.ExponentialBuckets(64<<20, 2, 10),
		},
	)

	RemainingRetryBudget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ftsched_remaining_retry_budget",
			Help: "Remaining overall task-retry budget per query",
		},
		[]string{"query_id"},
	)

	// Query metrics
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftsched_queries_total",
			Help: "Total number of queries by terminal state",
		},
		[]string{"state"},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ftsched_query_duration_seconds",
			Help:    "Wall-clock duration from query RUNNING to a terminal state",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	// Descriptor storage metrics
	DescriptorStorageBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ftsched_descriptor_storage_bytes",
			Help: "Estimated bytes held by task-descriptor storage per query",
		},
		[]string{"query_id"},
	)

	DescriptorStorageOverflowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ftsched_descriptor_storage_overflows_total",
			Help: "Total number of task-descriptor-storage capacity rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(StagesTotal)
	prometheus.MustRegister(StageCPUSeconds)
	prometheus.MustRegister(StagePeakMemoryBytes)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(NodeLeaseWaitSeconds)
	prometheus.MustRegister(PartitionMemoryEstimateBytes)
	prometheus.MustRegister(RemainingRetryBudget)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(DescriptorStorageBytes)
	prometheus.MustRegister(DescriptorStorageOverflowsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
