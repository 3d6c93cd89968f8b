package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_worker_executions_total",
			Help: "Total number of background worker runs",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_worker_duration_seconds",
			Help:    "Background worker run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchyard_worker_last_run_timestamp",
			Help: "Unix timestamp of last background worker run",
		},
		[]string{"worker"},
	)

	PoolPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchyard_pool_panics_total",
			Help: "Panics recovered by execution pool workers",
		},
	)

	// Execution metrics
	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_executions_total",
			Help: "Executions by terminal outcome",
		},
		[]string{"tool", "status"}, // status: completed|failed|rejected|cache_hit
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_attempt_duration_seconds",
			Help:    "Duration of single tool call attempts",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"tool", "outcome"}, // outcome: success|error kind
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_retries_total",
			Help: "Attempts re-enqueued for retry",
		},
		[]string{"tool", "kind"},
	)

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_admission_rejections_total",
			Help: "Requests rejected by the sliding window limiter",
		},
		[]string{"tool"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_cache_lookups_total",
			Help: "Result cache lookups",
		},
		[]string{"result"}, // hit|miss|error
	)

	// Budget metrics
	BudgetSpend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_budget_spend_usd_total",
			Help: "Recorded tool spend in USD",
		},
		[]string{"tool"},
	)

	BudgetRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_budget_rejections_total",
			Help: "Requests rejected because the daily budget could not cover them",
		},
		[]string{"tool"},
	)

	BudgetAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_budget_alerts_total",
			Help: "Budget alerts emitted",
		},
		[]string{"tool", "kind"},
	)

	// Tool adapter metrics
	ToolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_tool_invocations_total",
			Help: "Calls dispatched to tool adapters",
		},
		[]string{"tool", "status"},
	)

	ToolThrottleWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_tool_throttle_wait_seconds",
			Help:    "Time spent waiting for the outbound per-tool throttle",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"tool"},
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchyard_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"database", "operation"},
	)

	// System metrics
	KafkaMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchyard_kafka_messages_total",
			Help: "Total number of Kafka messages published",
		},
		[]string{"topic", "status"},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchyard_stream_clients",
			Help: "Connected websocket stream clients",
		},
	)
)

// Init registers all metrics with the default registry
func Init() {
	prometheus.MustRegister(WorkerExecutions)
	prometheus.MustRegister(WorkerDuration)
	prometheus.MustRegister(WorkerLastRun)
	prometheus.MustRegister(PoolPanics)

	prometheus.MustRegister(Executions)
	prometheus.MustRegister(AttemptLatency)
	prometheus.MustRegister(Retries)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(CacheLookups)

	prometheus.MustRegister(BudgetSpend)
	prometheus.MustRegister(BudgetRejections)
	prometheus.MustRegister(BudgetAlerts)

	prometheus.MustRegister(ToolInvocations)
	prometheus.MustRegister(ToolThrottleWait)

	prometheus.MustRegister(DBQueries)
	prometheus.MustRegister(DBQueryDuration)

	prometheus.MustRegister(KafkaMessages)
	prometheus.MustRegister(StreamClients)
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordWorkerExecution records a background worker run
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	WorkerExecutions.WithLabelValues(worker, status).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordAttempt records one tool call attempt. outcome is "success" or an
// error kind.
func RecordAttempt(tool, outcome string, duration time.Duration) {
	AttemptLatency.WithLabelValues(tool, outcome).Observe(duration.Seconds())
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	DBQueries.WithLabelValues(database, operation, status).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
