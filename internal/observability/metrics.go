package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	registryAgents    prometheus.Gauge
	storeLoadDuration *prometheus.HistogramVec
	storeSaveDuration *prometheus.HistogramVec
	storeErrorsTotal  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	turnTotal          *prometheus.CounterVec
	turnDuration       *prometheus.HistogramVec
	backendCallsTotal  *prometheus.CounterVec
	backendErrorsTotal *prometheus.CounterVec

	vectorQueryDuration prometheus.Histogram
	vectorEntries       prometheus.Gauge

	httpRequestsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "curie_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_enqueue_total",
					Help: "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_dequeue_total",
					Help: "Total dequeue/completion operations by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "curie_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			registryAgents: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "curie_registry_agents",
					Help: "Live agents held by the session registry.",
				},
			),
			storeLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "curie_store_load_duration_seconds",
					Help:    "Thread load duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			storeSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "curie_store_save_duration_seconds",
					Help:    "Thread save duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			storeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_store_errors_total",
					Help: "Total store errors by backend and operation.",
				},
				[]string{"backend", "op"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "curie_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_turn_total",
					Help: "Total agent turns by role, provider and status.",
				},
				[]string{"role", "provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "curie_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			backendCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_backend_calls_total",
					Help: "Total inference backend calls by provider and mode.",
				},
				[]string{"provider", "mode"},
			),
			backendErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_backend_errors_total",
					Help: "Total inference backend failures by provider.",
				},
				[]string{"provider"},
			),
			vectorQueryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "curie_vector_query_duration_seconds",
					Help:    "Vector index query duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			vectorEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "curie_vector_entries",
					Help: "Vectors currently held by the index.",
				},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "curie_http_requests_total",
					Help: "Total HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.registryAgents,
			m.storeLoadDuration,
			m.storeSaveDuration,
			m.storeErrorsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.turnTotal,
			m.turnDuration,
			m.backendCallsTotal,
			m.backendErrorsTotal,
			m.vectorQueryDuration,
			m.vectorEntries,
			m.httpRequestsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetRegistryAgents(count int) {
	getMetrics().registryAgents.Set(float64(count))
}

func RecordStoreLoad(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.storeLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if !success {
		m.storeErrorsTotal.WithLabelValues(backend, "load").Inc()
	}
}

func RecordStoreSave(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.storeSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if !success {
		m.storeErrorsTotal.WithLabelValues(backend, "save").Inc()
	}
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordTurn(role, provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(role, provider, status(success)).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordBackendCall counts one inference round trip; mode is "send" or "stream".
func RecordBackendCall(provider, mode string, success bool) {
	m := getMetrics()
	m.backendCallsTotal.WithLabelValues(provider, mode).Inc()
	if !success {
		m.backendErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func RecordVectorQuery(duration time.Duration) {
	getMetrics().vectorQueryDuration.Observe(duration.Seconds())
}

func SetVectorEntries(total int) {
	getMetrics().vectorEntries.Set(float64(total))
}

func RecordHTTPRequest(route string, code int) {
	getMetrics().httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
