package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the agent core. All metric
// names carry the osa_ prefix.
type Metrics struct {
	// SignalsClassified counts classified signals by mode and genre.
	SignalsClassified *prometheus.CounterVec

	// SignalsFiltered counts dropped signals by noise reason.
	SignalsFiltered *prometheus.CounterVec

	// LoopIterations counts agent loop iterations by termination.
	LoopIterations *prometheus.CounterVec

	// LoopDuration observes full deliver-to-response latency.
	// Buckets: 0.1s .. 120s
	LoopDuration *prometheus.HistogramVec

	// ToolExecutions counts tool runs by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration observes per-tool execution latency.
	// Buckets: 0.01s .. 60s
	ToolDuration *prometheus.HistogramVec

	// ProviderRequests counts provider calls by provider, model, status.
	ProviderRequests *prometheus.CounterVec

	// ProviderDuration observes provider call latency.
	// Buckets: 0.1s .. 120s
	ProviderDuration *prometheus.HistogramVec

	// ProviderFailovers counts fallback-chain hops.
	ProviderFailovers *prometheus.CounterVec

	// ProviderTokens counts tokens by provider and direction.
	ProviderTokens *prometheus.CounterVec

	// SchedulerRuns counts scheduler job executions by kind and status.
	SchedulerRuns *prometheus.CounterVec

	// WorkerRestarts counts supervised worker restarts by worker.
	WorkerRestarts *prometheus.CounterVec

	// BusDrops counts mailbox overflow drops by topic.
	BusDrops *prometheus.CounterVec

	// ActiveSessions gauges live loop sessions.
	ActiveSessions prometheus.Gauge

	// HTTPRequests counts facade requests by method, path, code.
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration observes facade latency.
	// Buckets: 1ms .. 5s
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers the instrument set on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SignalsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_signals_classified_total",
			Help: "Signals classified, by mode and genre.",
		}, []string{"mode", "genre"}),

		SignalsFiltered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_signals_filtered_total",
			Help: "Signals dropped by the noise filter, by reason.",
		}, []string{"reason"}),

		LoopIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_loop_iterations_total",
			Help: "Agent loop iterations, by termination reason of the run.",
		}, []string{"termination"}),

		LoopDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_loop_duration_seconds",
			Help:    "Deliver-to-response latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"channel"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_tool_executions_total",
			Help: "Tool executions, by tool and status.",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_provider_requests_total",
			Help: "LLM provider calls, by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_provider_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		ProviderFailovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_provider_failovers_total",
			Help: "Fallback-chain hops, by failing and succeeding provider.",
		}, []string{"from", "to"}),

		ProviderTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_provider_tokens_total",
			Help: "Token usage, by provider and direction (input|output).",
		}, []string{"provider", "direction"}),

		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_scheduler_runs_total",
			Help: "Scheduler job executions, by kind and status.",
		}, []string{"kind", "status"}),

		WorkerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_worker_restarts_total",
			Help: "Supervised worker restarts, by worker.",
		}, []string{"worker"}),

		BusDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_bus_drops_total",
			Help: "Events dropped from full subscriber mailboxes, by topic.",
		}, []string{"topic"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osa_active_sessions",
			Help: "Live loop sessions.",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_http_requests_total",
			Help: "HTTP facade requests, by method, path, and status code.",
		}, []string{"method", "path", "code"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_http_request_duration_seconds",
			Help:    "HTTP facade latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
	}
}

// RecordProviderRequest records one provider call outcome.
func (m *Metrics) RecordProviderRequest(provider, model, status string, seconds float64, in, out int) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, model, status).Inc()
	m.ProviderDuration.WithLabelValues(provider, model).Observe(seconds)
	if in > 0 {
		m.ProviderTokens.WithLabelValues(provider, "input").Add(float64(in))
	}
	if out > 0 {
		m.ProviderTokens.WithLabelValues(provider, "output").Add(float64(out))
	}
}

// RecordFailover records one fallback hop.
func (m *Metrics) RecordFailover(from, to string) {
	if m == nil {
		return
	}
	m.ProviderFailovers.WithLabelValues(from, to).Inc()
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordSignal records a classified signal.
func (m *Metrics) RecordSignal(mode, genre string) {
	if m == nil {
		return
	}
	m.SignalsClassified.WithLabelValues(mode, genre).Inc()
}

// RecordFiltered records a dropped signal.
func (m *Metrics) RecordFiltered(reason string) {
	if m == nil {
		return
	}
	m.SignalsFiltered.WithLabelValues(reason).Inc()
}

// RecordSchedulerRun records one scheduler job execution.
func (m *Metrics) RecordSchedulerRun(kind, status string) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(kind, status).Inc()
}

// RecordWorkerRestart records one supervised worker restart.
func (m *Metrics) RecordWorkerRestart(worker string) {
	if m == nil {
		return
	}
	m.WorkerRestarts.WithLabelValues(worker).Inc()
}

// SetActiveSessions records the live session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordBusDrop records a mailbox overflow drop.
func (m *Metrics) RecordBusDrop(topic string) {
	if m == nil {
		return
	}
	m.BusDrops.WithLabelValues(topic).Inc()
}

// RecordHTTPRequest records one facade request.
func (m *Metrics) RecordHTTPRequest(method, path, code string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, code).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(seconds)
}
