package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverStates and circuitStates enumerate the label values so state gauges
// can be flipped exhaustively: exactly one state per server reads 1.
var (
	serverStates  = []string{"stopped", "starting", "running", "stopping", "error", "quarantined"}
	circuitStates = []string{"closed", "open", "half_open"}
)

type moduleMetrics struct {
	serversRegistered prometheus.Gauge
	serverState       *prometheus.GaugeVec

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrorsTotal  *prometheus.CounterVec

	circuitState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec
	quarantineActive  *prometheus.GaugeVec

	retryAttemptsTotal   *prometheus.CounterVec
	retryRecoveriesTotal *prometheus.CounterVec

	gateWaitDuration *prometheus.HistogramVec
	gateInFlight     *prometheus.GaugeVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			serversRegistered: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "servers_registered",
					Help: "Number of registered MCP servers.",
				},
			),
			serverState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "server_state",
					Help: "Current lifecycle state per server (1 for the active state).",
				},
				[]string{"server", "state"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total dispatched tool calls by server, category and status.",
				},
				[]string{"server", "category", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by server.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"server"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total failed tool calls by server.",
				},
				[]string{"server"},
			),
			circuitState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_state",
					Help: "Circuit breaker position per server (1 for the active state).",
				},
				[]string{"server", "state"},
			),
			breakerTripsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "breaker_trips_total",
					Help: "Total circuit breaker trips by server.",
				},
				[]string{"server"},
			),
			quarantineActive: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "quarantine_active",
					Help: "Quarantine flag per server (1 active, 0 inactive).",
				},
				[]string{"server"},
			),
			retryAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_attempts_total",
					Help: "Total retry attempts by server.",
				},
				[]string{"server"},
			),
			retryRecoveriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_recoveries_total",
					Help: "Total calls that succeeded after at least one retry, by server.",
				},
				[]string{"server"},
			),
			gateWaitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gate_wait_duration_seconds",
					Help:    "Time spent waiting for a concurrency gate by category.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"category"},
			),
			gateInFlight: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gate_in_flight",
					Help: "Calls currently holding a gate slot by category.",
				},
				[]string{"category"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_errors_total",
					Help: "Total agent errors by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.serversRegistered,
			m.serverState,
			m.toolCallTotal,
			m.toolCallDuration,
			m.toolErrorsTotal,
			m.circuitState,
			m.breakerTripsTotal,
			m.quarantineActive,
			m.retryAttemptsTotal,
			m.retryRecoveriesTotal,
			m.gateWaitDuration,
			m.gateInFlight,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.providerCooldown,
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

func SetServersRegistered(count int) {
	m := getMetrics()
	m.serversRegistered.Set(float64(count))
}

func SetServerState(server, state string) {
	m := getMetrics()
	for _, s := range serverStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.serverState.WithLabelValues(server, s).Set(value)
	}
}

func RecordToolCall(server, category string, success bool, duration time.Duration) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(server, category, status).Inc()
	m.toolCallDuration.WithLabelValues(server).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(server).Inc()
	}
}

func SetCircuitState(server, state string) {
	m := getMetrics()
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.circuitState.WithLabelValues(server, s).Set(value)
	}
}

func RecordBreakerTrip(server string) {
	m := getMetrics()
	m.breakerTripsTotal.WithLabelValues(server).Inc()
}

func SetQuarantine(server string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.quarantineActive.WithLabelValues(server).Set(value)
}

func RecordRetryAttempt(server string) {
	m := getMetrics()
	m.retryAttemptsTotal.WithLabelValues(server).Inc()
}

func RecordRetryRecovery(server string) {
	m := getMetrics()
	m.retryRecoveriesTotal.WithLabelValues(server).Inc()
}

func ObserveGateWait(category string, wait time.Duration) {
	m := getMetrics()
	m.gateWaitDuration.WithLabelValues(category).Observe(wait.Seconds())
}

func SetGateInFlight(category string, count int) {
	m := getMetrics()
	m.gateInFlight.WithLabelValues(category).Set(float64(count))
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}
