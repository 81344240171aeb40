// Package metrics exposes Prometheus counters for the turn pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phase_engine"

// Turn outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeDegraded  = "degraded"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

type Metrics struct {
	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	toolCalls    *prometheus.CounterVec
	repairs      *prometheus.CounterVec
	compactions  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Executed turns by phase and outcome",
		}, []string{"phase", "outcome"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one executed turn",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"phase"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by phase, tool and outcome",
		}, []string{"phase", "tool", "outcome"}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_repairs_total",
			Help:      "History repairs by phase and trigger",
		}, []string{"phase", "trigger"}),
		compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "History compactions by phase and mode",
		}, []string{"phase", "mode"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase changes by source and target phase",
		}, []string{"from", "to"}),
	}
}

func (m *Metrics) TurnCompleted(phase, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(phase, outcome).Inc()
	m.turnDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (m *Metrics) ToolCalled(phase, tool string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.toolCalls.WithLabelValues(phase, tool, outcome).Inc()
}

// Repaired counts a repair pass. trigger is where the fault was found,
// e.g. "preflight", "probe" or "stream".
func (m *Metrics) Repaired(phase, trigger string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(phase, trigger).Inc()
}

func (m *Metrics) Compacted(phase string, summarised bool) {
	if m == nil {
		return
	}
	mode := "summary"
	if !summarised {
		mode = "truncation"
	}
	m.compactions.WithLabelValues(phase, mode).Inc()
}

func (m *Metrics) Transitioned(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
