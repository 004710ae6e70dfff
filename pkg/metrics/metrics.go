package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_services_total",
			Help: "Total number of discovered services by status",
		},
		[]string{"status"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Total number of heartbeats received by agent status",
		},
		[]string{"status"},
	)

	// Transport metrics
	TransportRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_transport_requests_total",
			Help: "Total number of agent transport RPCs by method and status",
		},
		[]string{"method", "status"},
	)

	TransportRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_transport_request_duration_seconds",
			Help:    "Agent transport RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Message fabric metrics
	BrokerPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_broker_publish_total",
			Help: "Total number of broker publishes by routing key prefix and outcome",
		},
		[]string{"prefix", "outcome"},
	)

	BrokerPublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_broker_publish_duration_seconds",
			Help:    "Time to confirm a broker publish in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BrokerCircuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_broker_circuit_open",
			Help: "Whether the broker publish circuit breaker is open (1) or closed (0)",
		},
	)

	BrokerConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_broker_consumed_total",
			Help: "Total number of messages consumed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// State store metrics
	StateStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_statestore_ops_total",
			Help: "Total number of state store operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	StateStoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_statestore_op_duration_seconds",
			Help:    "State store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	LeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_leases_held",
			Help: "Number of workflow leases currently held by this engine instance",
		},
	)

	// Workflow engine metrics
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_workflows_total",
			Help: "Total number of workflows by strategy and terminal state",
		},
		[]string{"strategy", "state"},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_workflow_duration_seconds",
			Help:    "Workflow duration in seconds by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	WorkflowsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_workflows_in_flight",
			Help: "Number of workflows currently running or paused",
		},
	)

	CommandsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_commands_in_flight",
			Help: "Number of deployment commands currently awaiting a terminal status",
		},
	)

	CommandsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_commands_issued_total",
			Help: "Total number of deployment commands issued by operation",
		},
		[]string{"operation"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_rollbacks_total",
			Help: "Total number of rollbacks triggered by outcome",
		},
		[]string{"outcome"},
	)

	HealthGateBreachesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_health_gate_breaches_total",
			Help: "Total number of health gate breaches across all phases",
		},
	)

	PlanningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_planning_duration_seconds",
			Help:    "Time taken to plan a workflow in seconds, by strategy",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Alert bus metrics
	AlertsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_alerts_published_total",
			Help: "Total number of alerts published by severity and category",
		},
		[]string{"severity", "category"},
	)

	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by the dedup window, by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		ServicesTotal,
		HeartbeatsTotal,
		TransportRequestsTotal,
		TransportRequestDuration,
		BrokerPublishTotal,
		BrokerPublishDuration,
		BrokerCircuitOpen,
		BrokerConsumedTotal,
		StateStoreOpsTotal,
		StateStoreOpDuration,
		LeasesHeld,
		WorkflowsTotal,
		WorkflowDuration,
		WorkflowsInFlight,
		CommandsInFlight,
		CommandsIssuedTotal,
		RollbacksTotal,
		HealthGateBreachesTotal,
		PlanningDuration,
		AlertsPublishedTotal,
		AlertsSuppressedTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the coordinator's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
