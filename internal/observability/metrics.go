package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRetriesTotal      *prometheus.CounterVec

	delegateRunTotal    *prometheus.CounterVec
	delegateRunDuration *prometheus.HistogramVec
	delegateActiveRuns  prometheus.Gauge

	tokensConsumedTotal prometheus.Counter
	budgetRemaining     prometheus.Gauge

	transcriptItemsTotal *prometheus.CounterVec
	transcriptItemStarts *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total user turns by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_retries_total",
					Help: "Total tool call retries by tool.",
				},
				[]string{"tool"},
			),
			delegateRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delegate_run_total",
					Help: "Total delegated runs by agent and status.",
				},
				[]string{"agent", "status"},
			),
			delegateRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "delegate_run_duration_seconds",
					Help:    "Delegated run duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			delegateActiveRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "delegate_active_runs",
					Help: "Current number of running delegated runs.",
				},
			),
			tokensConsumedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tokens_consumed_total",
					Help: "Total tokens consumed across model calls.",
				},
			),
			budgetRemaining: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "budget_remaining_tokens",
					Help: "Remaining tokens in the session budget.",
				},
			),
			transcriptItemsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "transcript_items_total",
					Help: "Total transcript items recorded by kind.",
				},
				[]string{"kind"},
			),
			transcriptItemStarts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "transcript_item_starts_total",
					Help: "Transcript items whose execution started, by kind.",
				},
				[]string{"kind"},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRetriesTotal,
			m.delegateRunTotal,
			m.delegateRunDuration,
			m.delegateActiveRuns,
			m.tokensConsumedTotal,
			m.budgetRemaining,
			m.transcriptItemsTotal,
			m.transcriptItemStarts,
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

func RecordTurn(duration time.Duration, status string) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRetry(tool string) {
	getMetrics().toolRetriesTotal.WithLabelValues(tool).Inc()
}

func RecordDelegateRun(agent, status string, duration time.Duration) {
	m := getMetrics()
	m.delegateRunTotal.WithLabelValues(agent, status).Inc()
	m.delegateRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func SetDelegateActiveRuns(count int) {
	getMetrics().delegateActiveRuns.Set(float64(count))
}

func RecordTokensConsumed(tokens int64) {
	getMetrics().tokensConsumedTotal.Add(float64(tokens))
}

func SetBudgetRemaining(tokens int64) {
	getMetrics().budgetRemaining.Set(float64(tokens))
}

func RecordTranscriptItem(kind string) {
	getMetrics().transcriptItemsTotal.WithLabelValues(kind).Inc()
}

func RecordTranscriptItemStart(kind string) {
	getMetrics().transcriptItemStarts.WithLabelValues(kind).Inc()
}
