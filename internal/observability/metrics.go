// Package observability holds the host's Prometheus instruments. The
// instruments live on a private registry owned by the caller; exposing
// them over HTTP is the embedding process's concern.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the host-level instruments.
type Metrics struct {
	Registry *prometheus.Registry

	PromptsTotal   prometheus.Counter
	ResponsesTotal prometheus.Counter
	PromptSeconds  prometheus.Histogram

	ToolResultsTotal *prometheus.CounterVec
	ModelTurnsTotal  prometheus.Counter
}

// NewMetrics creates and registers the instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PromptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "prompts_total",
			Help:      "Inbound prompts accepted from the channel.",
		}),
		ResponsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "responses_total",
			Help:      "Responses published back to the channel.",
		}),
		PromptSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warren",
			Name:      "prompt_duration_seconds",
			Help:      "Wall time from prompt receipt to response.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ToolResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "tool_results_total",
			Help:      "Tool results fed back to the model, by outcome.",
		}, []string{"outcome"}),
		ModelTurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warren",
			Name:      "model_turns_total",
			Help:      "Assistant turns produced by the model.",
		}),
	}

	m.Registry.MustRegister(
		m.PromptsTotal,
		m.ResponsesTotal,
		m.PromptSeconds,
		m.ToolResultsTotal,
		m.ModelTurnsTotal,
	)
	return m
}

// RegisterContainerStates registers a collector that reports the number
// of sandbox containers in each lifecycle state at scrape time.
func (m *Metrics) RegisterContainerStates(states func() map[string]int) {
	m.Registry.MustRegister(&containerCollector{
		desc: prometheus.NewDesc(
			"warren_containers",
			"Sandbox containers by lifecycle state.",
			[]string{"state"}, nil,
		),
		states: states,
	})
}

type containerCollector struct {
	desc   *prometheus.Desc
	states func() map[string]int
}

func (c *containerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *containerCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.states() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
