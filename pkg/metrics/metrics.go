// Package metrics holds the Prometheus collectors shared by the governor,
// the stage harness and the orchestrator. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ingest"

// Metrics bundles every collector the ingest pipeline exports.
type Metrics struct {
	UpstreamCalls      *prometheus.CounterVec
	RateWait           prometheus.Histogram
	BreakerState       prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	StageRetries       *prometheus.CounterVec
	Partitions         *prometheus.CounterVec
	DeadLetters        *prometheus.CounterVec
	Runs               *prometheus.CounterVec
}

// New registers the collectors with reg. Use prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpstreamCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Upstream API calls by outcome.",
		}, []string{"outcome"}),
		RateWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_wait_seconds",
			Help:      "Time spent waiting for a rate-limit token.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"to"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of one stage attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity", "stage"}),
		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage retries scheduled after a transient failure.",
		}, []string{"entity", "stage"}),
		Partitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Partitions reaching a terminal state.",
		}, []string{"entity", "outcome"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dead-letter entries written by failing stage.",
		}, []string{"entity", "stage"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finalized pipeline runs by status.",
		}, []string{"entity", "mode", "status"}),
	}
}

func (m *Metrics) UpstreamCall(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateWait.Observe(d.Seconds())
}

// SetBreakerState records a transition into state, one of "closed",
// "half_open" or "open".
func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "closed":
		m.BreakerState.Set(0)
	case "half_open":
		m.BreakerState.Set(1)
	case "open":
		m.BreakerState.Set(2)
	}
	m.BreakerTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveStage(entity, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(entity, stage).Observe(d.Seconds())
}

func (m *Metrics) StageRetry(entity, stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(entity, stage).Inc()
}

func (m *Metrics) PartitionDone(entity, outcome string) {
	if m == nil {
		return
	}
	m.Partitions.WithLabelValues(entity, outcome).Inc()
}

func (m *Metrics) DeadLettered(entity, stage string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(entity, stage).Inc()
}

func (m *Metrics) RunFinished(entity, mode, status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(entity, mode, status).Inc()
}
