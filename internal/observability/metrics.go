package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

type moduleMetrics struct {
	laneDepth    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	sessionLoadDuration   prometheus.Histogram
	sessionAppendDuration prometheus.Histogram
	compactionsTotal      *prometheus.CounterVec

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentModelCalls  prometheus.Histogram

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	profileHealth        *prometheus.GaugeVec

	schedulerFireTotal *prometheus.CounterVec

	gatewayClients     prometheus.Gauge
	gatewayConnections *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_depth",
					Help:      "Queued tasks by lane kind.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_completed_total",
					Help:      "Total completed tasks by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Task execution duration in seconds by lane kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_append_duration_seconds",
					Help:      "Turn append (write+fsync) duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			compactionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "compactions_total",
					Help:      "Compactions by agent and summary source.",
				},
				[]string{"agent", "summary"},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_total",
					Help:      "Tool dispatches by tool, status and result code.",
				},
				[]string{"tool", "status", "code"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_duration_seconds",
					Help:      "Tool dispatch duration in seconds by tool and isolation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool", "isolation"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Agent runs by agent and outcome.",
				},
				[]string{"agent", "outcome"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"agent"},
			),
			agentModelCalls: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_model_calls_per_run",
					Help:      "Model calls made per agent run.",
					Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
				},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_call_total",
					Help:      "Model provider calls by provider, model and error class.",
				},
				[]string{"provider", "model", "result"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_call_duration_seconds",
					Help:      "Model provider call duration in seconds.",
					Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"provider"},
			),
			profileHealth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "auth_profile_health",
					Help:      "Auth profile health: 0 healthy, 1 cooling down, 2 exhausted.",
				},
				[]string{"profile", "provider"},
			),
			schedulerFireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "scheduler_fire_total",
					Help:      "Scheduled job fires by kind and status.",
				},
				[]string{"kind", "status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_clients",
					Help:      "Connected control-plane clients.",
				},
			),
			gatewayConnections: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_connections_total",
					Help:      "Control-plane connection attempts by result.",
				},
				[]string{"result"},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.sessionLoadDuration,
			m.sessionAppendDuration,
			m.compactionsTotal,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentModelCalls,
			m.providerCallTotal,
			m.providerCallDuration,
			m.profileHealth,
			m.schedulerFireTotal,
			m.gatewayClients,
			m.gatewayConnections,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all collectors with the default registry.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordLaneEnqueue(lane string) {
	getMetrics().enqueueTotal.WithLabelValues(lane).Inc()
}

func SetLaneDepth(lane string, depth int) {
	getMetrics().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordLaneCompletion(lane, status string, duration time.Duration) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionAppend(duration time.Duration) {
	getMetrics().sessionAppendDuration.Observe(duration.Seconds())
}

// RecordCompaction counts a compaction; summary is "model" or "fallback".
func RecordCompaction(agentID, summary string) {
	getMetrics().compactionsTotal.WithLabelValues(agentID, summary).Inc()
}

func RecordToolDispatch(tool, isolation, status, code string, duration time.Duration) {
	m := getMetrics()
	m.toolDispatchTotal.WithLabelValues(tool, status, code).Inc()
	m.toolDispatchDuration.WithLabelValues(tool, isolation).Observe(duration.Seconds())
}

func RecordAgentRun(agentID, outcome string, modelCalls int, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(agentID, outcome).Inc()
	m.agentRunDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	m.agentModelCalls.Observe(float64(modelCalls))
}

func RecordProviderCall(provider, model, result string, duration time.Duration) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider, model, result).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProfileHealth(profileID, provider string, level int) {
	getMetrics().profileHealth.WithLabelValues(profileID, provider).Set(float64(level))
}

func RecordSchedulerFire(kind, status string) {
	getMetrics().schedulerFireTotal.WithLabelValues(kind, status).Inc()
}

func SetGatewayClients(n int) {
	getMetrics().gatewayClients.Set(float64(n))
}

// RecordConnection counts an accepted or rejected control-plane connection.
func RecordConnection(result string) {
	getMetrics().gatewayConnections.WithLabelValues(result).Inc()
}
