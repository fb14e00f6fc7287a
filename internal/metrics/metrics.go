package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's observability counters. Registered
// against an explicit registerer so tests can use a private registry.
type Metrics struct {
	ConflictsDetected  *prometheus.CounterVec
	ConflictsResolved  *prometheus.CounterVec
	PhantomsSuppressed prometheus.Counter
	PendingConflicts   prometheus.Gauge
	ResolutionDuration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConflictsDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflict_engine_conflicts_detected_total",
				Help: "Conflicts detected, by type and severity",
			},
			[]string{"type", "severity"},
		),
		ConflictsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflict_engine_conflicts_resolved_total",
				Help: "Conflicts resolved, by strategy and mode",
			},
			[]string{"strategy", "mode"},
		),
		PhantomsSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conflict_engine_phantom_conflicts_total",
				Help: "Identical-content conflicts suppressed without resolution",
			},
		),
		PendingConflicts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conflict_engine_pending_conflicts",
				Help: "Conflicts awaiting manual resolution",
			},
		),
		ResolutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conflict_engine_resolution_duration_seconds",
				Help:    "Time from classification to applied resolution",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
