package agent

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// runnerMetrics holds Prometheus metrics for agent executions. agent_type is
// a bounded set (discovery, validation, research, synthesis, trader kinds),
// never the per-agent name.
type runnerMetrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	tokens     *prometheus.CounterVec
}

var (
	runnerMetricsInstance *runnerMetrics
	runnerMetricsOnce     sync.Once
)

func getRunnerMetrics() *runnerMetrics {
	runnerMetricsOnce.Do(func() {
		runnerMetricsInstance = &runnerMetrics{
			executions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foresight_agent_executions_total",
					Help: "Agent executions by type and terminal state",
				},
				[]string{"agent_type", "state"},
			),
			duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "foresight_agent_duration_seconds",
					Help:    "Wall-clock duration of agent executions",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
				[]string{"agent_type"},
			),
			tokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "foresight_agent_tokens_total",
					Help: "LLM tokens consumed by agent executions",
				},
				[]string{"agent_type"},
			),
		}
	})
	return runnerMetricsInstance
}

func (m *runnerMetrics) observe(agentType, state string, d time.Duration, tokens int) {
	m.executions.WithLabelValues(agentType, state).Inc()
	m.duration.WithLabelValues(agentType).Observe(d.Seconds())
	if tokens > 0 {
		m.tokens.WithLabelValues(agentType).Add(float64(tokens))
	}
}
