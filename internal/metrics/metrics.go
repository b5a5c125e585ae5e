// Package metrics exposes prometheus collectors for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "syncbridge"
	Subsystem = "sync"

	LabelIntegration = "integration"
	LabelStatus      = "status"
	LabelOutcome     = "outcome"
	LabelTrigger     = "trigger"
)

// Record outcomes.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeFailed  = "failed"
)

var DurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// Sync holds the collectors updated by the sync engine. A nil *Sync is valid
// and records nothing.
type Sync struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	records  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Sync {
	s := &Sync{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_total",
			Help:      "Sync runs by final status.",
		}, []string{LabelIntegration, LabelStatus, LabelTrigger}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "records_total",
			Help:      "Records written to targets by outcome.",
		}, []string{LabelIntegration, LabelOutcome}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs.",
			Buckets:   DurationBuckets,
		}, []string{LabelIntegration, LabelStatus}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_in_progress",
			Help:      "Sync runs currently executing.",
		}, []string{LabelIntegration}),
	}
	s.registry.MustRegister(s.runs, s.records, s.duration, s.running)
	return s
}

func (s *Sync) RunStarted(integrationID string) {
	if s == nil {
		return
	}
	s.running.WithLabelValues(integrationID).Inc()
}

func (s *Sync) RunFinished(integrationID, status, trigger string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.running.WithLabelValues(integrationID).Dec()
	s.runs.WithLabelValues(integrationID, status, trigger).Inc()
	s.duration.WithLabelValues(integrationID, status).Observe(elapsed.Seconds())
}

func (s *Sync) Record(integrationID, outcome string) {
	if s == nil {
		return
	}
	s.records.WithLabelValues(integrationID, outcome).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (s *Sync) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the prometheus exposition format.
func (s *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
