// Package metrics defines the Prometheus collectors exported by the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the compliance pipeline
type Metrics struct {
	// Decision metrics
	Decisions  *prometheus.CounterVec
	Rejections *prometheus.CounterVec

	// Ethics gate
	AlignmentScore prometheus.Histogram

	// Audit trail
	ChainLength prometheus.Gauge

	// Per-gate latency
	GateDuration *prometheus.HistogramVec

	// Steering attempts by outcome
	Steering *prometheus.CounterVec

	// Circuit breaker state per guarded dependency
	BreakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecgate_decisions_total",
				Help: "Pipeline decisions by result",
			},
			[]string{"result"}, // compliant, non_compliant
		),

		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecgate_rejections_total",
				Help: "Rejected messages by error code",
			},
			[]string{"code"},
		),

		AlignmentScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vecgate_alignment_score",
				Help:    "Aggregate ethical alignment score of scored messages",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),

		ChainLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vecgate_audit_chain_length",
				Help: "Number of entries in the audit hash chain",
			},
		),

		GateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vecgate_gate_duration_seconds",
				Help:    "Time spent in each pipeline gate",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gate"}, // validate, safety, policy, ethics, prove, sign, audit, deliver
		),

		Steering: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vecgate_steering_total",
				Help: "Steering attempts on unsafe vectors by outcome",
			},
			[]string{"outcome"}, // converged, failed
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vecgate_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"breaker"},
		),
	}
}

// RecordDecision counts one pipeline decision.
func (m *Metrics) RecordDecision(compliant bool) {
	if m == nil {
		return
	}
	if compliant {
		m.Decisions.WithLabelValues("compliant").Inc()
	} else {
		m.Decisions.WithLabelValues("non_compliant").Inc()
	}
}

// RecordRejection counts a rejection under its symbolic code.
func (m *Metrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(code).Inc()
}

// ObserveAlignment records an aggregate alignment score.
func (m *Metrics) ObserveAlignment(score float64) {
	if m == nil {
		return
	}
	m.AlignmentScore.Observe(score)
}

// SetChainLength publishes the audit chain length.
func (m *Metrics) SetChainLength(n int64) {
	if m == nil {
		return
	}
	m.ChainLength.Set(float64(n))
}

// ObserveGate records the duration of one gate since start.
func (m *Metrics) ObserveGate(gate string, start time.Time) {
	if m == nil {
		return
	}
	m.GateDuration.WithLabelValues(gate).Observe(time.Since(start).Seconds())
}

// RecordSteering counts a steering attempt.
func (m *Metrics) RecordSteering(converged bool) {
	if m == nil {
		return
	}
	if converged {
		m.Steering.WithLabelValues("converged").Inc()
	} else {
		m.Steering.WithLabelValues("failed").Inc()
	}
}

// SetBreakerState publishes a breaker's state as its numeric value.
func (m *Metrics) SetBreakerState(breaker string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}
