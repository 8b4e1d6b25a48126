package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects executor-level Prometheus metrics. A nil *Metrics is
// valid and records nothing, so the executor never branches on whether
// observability is configured.
type Metrics struct {
	executionsTotal  *prometheus.CounterVec
	agentRunsTotal   *prometheus.CounterVec
	agentLatency     prometheus.Histogram
	retriesTotal     prometheus.Counter
	fallbacksTotal   prometheus.Counter
	tokensTotal      *prometheus.CounterVec
	costTotal        prometheus.Counter
	inflightAgents   prometheus.Gauge
}

// NewMetrics creates and registers the executor metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "executions_total",
			Help:      "Executions finished, by terminal status.",
		}, []string{"status"}),
		agentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "agent_runs_total",
			Help:      "Agent runs finished, by terminal status.",
		}, []string{"status"}),
		agentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentflow",
			Name:      "agent_latency_seconds",
			Help:      "Latency of successful LLM calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "agent_retries_total",
			Help:      "Retry attempts across all agents.",
		}),
		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "agent_fallbacks_total",
			Help:      "Fallback agents launched.",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed, by direction.",
		}, []string{"direction"}),
		costTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Name:      "llm_cost_usd_total",
			Help:      "Cumulative LLM spend in USD.",
		}),
		inflightAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentflow",
			Name:      "agents_inflight",
			Help:      "Agent tasks currently executing.",
		}),
	}
	reg.MustRegister(
		m.executionsTotal, m.agentRunsTotal, m.agentLatency,
		m.retriesTotal, m.fallbacksTotal, m.tokensTotal,
		m.costTotal, m.inflightAgents,
	)
	return m
}

func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AgentRunFinished(status string) {
	if m == nil {
		return
	}
	m.agentRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.agentLatency.Observe(seconds)
}

func (m *Metrics) RetryAttempted() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) FallbackLaunched() {
	if m == nil {
		return
	}
	m.fallbacksTotal.Inc()
}

func (m *Metrics) AddTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues("completion").Add(float64(completion))
}

func (m *Metrics) AddCost(usd float64) {
	if m == nil {
		return
	}
	m.costTotal.Add(usd)
}

func (m *Metrics) AgentStarted() {
	if m == nil {
		return
	}
	m.inflightAgents.Inc()
}

func (m *Metrics) AgentDone() {
	if m == nil {
		return
	}
	m.inflightAgents.Dec()
}
