package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the engine exports. The
// teacher hand-rolls a zero-dependency Prometheus text-format registry
// (libs/observability/prometheus.go); this repo wires the real
// client_golang library instead everywhere that registry was used — see
// DESIGN.md for the justification of this one teacher-dependency swap.
type Metrics struct {
	SignalsReceived   *prometheus.CounterVec // labels: recorder_id
	SignalsDeduped    *prometheus.CounterVec // labels: recorder_id
	FilterDecisions   *prometheus.CounterVec // labels: recorder_id, outcome
	TasksDispatched   *prometheus.CounterVec // labels: trader_id
	ExecutionAttempts *prometheus.CounterVec // labels: symbol, status
	WorkerPoolDepth   prometheus.Gauge
	TokenRefreshes    *prometheus.CounterVec // labels: account_id, outcome
	EventBusDropped   *prometheus.CounterVec // labels: topic
	BrokerCallLatency *prometheus.HistogramVec // labels: subaccount_id, event
}

// NewMetrics registers every series against reg and returns the handle.
// Pass prometheus.NewRegistry() in tests to avoid global-registry
// collisions across table-driven subtests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_signals_received_total",
			Help: "Webhook signals accepted at the edge, before filtering.",
		}, []string{"recorder_id"}),
		SignalsDeduped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_signals_deduped_total",
			Help: "Webhook POSTs collapsed by the dedup window.",
		}, []string{"recorder_id"}),
		FilterDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_filter_decisions_total",
			Help: "Filter pipeline verdicts by recorder and outcome.",
		}, []string{"recorder_id", "outcome"}),
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_execution_tasks_dispatched_total",
			Help: "ExecutionTasks enqueued per trader.",
		}, []string{"trader_id"}),
		ExecutionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_execution_attempts_total",
			Help: "Broker order attempts by symbol and terminal status.",
		}, []string{"symbol", "status"}),
		WorkerPoolDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradecopy_worker_pool_queue_depth",
			Help: "Current depth of the execution queue across all partitions.",
		}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_token_refreshes_total",
			Help: "OAuth refresh attempts by account and outcome.",
		}, []string{"account_id", "outcome"}),
		EventBusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecopy_eventbus_dropped_total",
			Help: "Events dropped because a subscriber's buffer was full.",
		}, []string{"topic"}),
		BrokerCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecopy_broker_call_seconds",
			Help:    "Latency of broker adapter and session calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subaccount_id", "event"}),
	}
}
