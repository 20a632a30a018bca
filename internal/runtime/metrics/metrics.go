// Package metrics exposes per-stage Prometheus collectors for the stage
// runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StageMetrics holds the collectors stamped by the stage worker loop. A nil
// *StageMetrics is a valid no-op receiver so metrics can be disabled without
// branching at every call site.
type StageMetrics struct {
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
}

// New creates the stage collectors and registers them with reg.
func New(reg prometheus.Registerer) *StageMetrics {
	m := &StageMetrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_stage_messages_processed_total",
			Help: "Messages whose scope committed, per stage.",
		}, []string{"stage_id"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_stage_messages_failed_total",
			Help: "Messages whose scope rolled back, per stage.",
		}, []string{"stage_id"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_stage_processing_duration_seconds",
			Help:    "Wall time of one stage scope, receive to commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage_id"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stageflow_stage_in_flight",
			Help: "Scopes currently processing a message, per stage.",
		}, []string{"stage_id"}),
	}
	reg.MustRegister(m.processed, m.failed, m.duration, m.inFlight)
	return m
}

// ScopeStarted marks a message entering processing.
func (m *StageMetrics) ScopeStarted(stageID string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(stageID).Inc()
}

// ScopeFinished records the outcome of one scope.
func (m *StageMetrics) ScopeFinished(stageID string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(stageID).Dec()
	m.duration.WithLabelValues(stageID).Observe(d.Seconds())
	if err != nil {
		m.failed.WithLabelValues(stageID).Inc()
		return
	}
	m.processed.WithLabelValues(stageID).Inc()
}
