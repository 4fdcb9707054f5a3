package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource gauges, updated on every measurement/heartbeat cycle.
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vine_worker_resources_total",
			Help: "Total resource capacity on this worker by kind (cores, memory, disk, gpus)",
		},
		[]string{"kind"},
	)

	ResourcesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vine_worker_resources_inuse",
			Help: "Resources currently committed to running tasks by kind",
		},
		[]string{"kind"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_worker_tasks_running",
			Help: "Number of tasks currently executing",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_worker_tasks_completed_total",
			Help: "Total number of tasks that finished, by result",
		},
		[]string{"result"},
	)

	TaskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vine_worker_task_execution_seconds",
			Help:    "Wall time from task start to completion in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics.
	CacheBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_worker_cache_bytes",
			Help: "Total bytes occupied by cached files",
		},
	)

	CacheEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vine_worker_cache_entries",
			Help: "Number of cache entries by state",
		},
		[]string{"state"},
	)

	CacheTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_worker_cache_transfers_total",
			Help: "Total cache materializations by outcome",
		},
		[]string{"outcome"},
	)

	// Manager connection metrics.
	ManagerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_worker_manager_connected",
			Help: "Whether the worker currently has an established manager connection (1) or not (0)",
		},
	)

	RPCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vine_worker_rpc_retries_total",
			Help: "Total RPC retries issued by the reliable client, by reason",
		},
		[]string{"reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vine_worker_scheduling_latency_seconds",
			Help:    "Time from task receipt to process start in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Catalog metrics.
	CatalogAnnouncesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vine_worker_catalog_announces_total",
			Help: "Total number of catalog update announcements sent",
		},
	)

	// Foreman metrics.
	ForemanDownstreamWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_worker_foreman_downstream_workers",
			Help: "Number of workers currently connected to a foreman's embedded manager endpoint",
		},
	)

	ForemanUnfinishedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vine_worker_foreman_unfinished_tasks",
			Help: "Number of upstream tasks a foreman has accepted but not yet reported a result for",
		},
	)
)

func init() {
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ResourcesInUse)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(CacheBytesTotal)
	prometheus.MustRegister(CacheEntriesTotal)
	prometheus.MustRegister(CacheTransfersTotal)
	prometheus.MustRegister(ManagerConnected)
	prometheus.MustRegister(RPCRetriesTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(CatalogAnnouncesTotal)
	prometheus.MustRegister(ForemanDownstreamWorkers)
	prometheus.MustRegister(ForemanUnfinishedTasks)
}

// Handler returns the Prometheus HTTP handler, served by vine_worker at
// --metrics-addr when that flag is set.
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
