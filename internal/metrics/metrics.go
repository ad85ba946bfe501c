// Package metrics declares the Prometheus collectors SPEC_FULL.md §5 names
// for the scheduler's tick cadence and the replay subsystem's outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace        = "servicehub"
	monitorSubsystem = "monitor"
	replaySubsystem  = "replay"
)

// Metrics holds every collector this process registers, built once at
// startup and handed to the components that record against it.
type Metrics struct {
	Registry *prometheus.Registry

	TickDuration    *prometheus.HistogramVec
	EntriesCreated  prometheus.Counter
	EntriesUpdated  prometheus.Counter
	DispatchesTotal prometheus.Counter
	ReplayOutcomes  *prometheus.CounterVec
}

// New builds a fresh registry and registers every collector against it, so
// tests and multiple App instances never collide on the global default
// registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: monitorSubsystem,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one namespace's monitor cycle, by outcome.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
		EntriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: monitorSubsystem,
			Name:      "entries_created_total",
			Help:      "Total DlqHistoryEntry rows created across all monitor cycles.",
		}),
		EntriesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: monitorSubsystem,
			Name:      "entries_updated_total",
			Help:      "Total DlqHistoryEntry rows merged into on re-observation.",
		}),
		DispatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: monitorSubsystem,
			Name:      "rule_dispatches_total",
			Help:      "Total auto-replay dispatches handed to the replay executor.",
		}),
		ReplayOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: replaySubsystem,
				Name:      "attempts_total",
				Help:      "Total replay attempts by outcome: success, skipped, failed.",
			},
			[]string{"outcome"},
		),
	}

	m.Registry.MustRegister(
		m.TickDuration,
		m.EntriesCreated,
		m.EntriesUpdated,
		m.DispatchesTotal,
		m.ReplayOutcomes,
	)

	return m
}

// RecordOutcome classifies a replay.Outcome into the success/skipped/failed
// label ReplayOutcomes tracks.
func (m *Metrics) RecordOutcome(success, skipped bool) {
	switch {
	case skipped:
		m.ReplayOutcomes.WithLabelValues("skipped").Inc()
	case success:
		m.ReplayOutcomes.WithLabelValues("success").Inc()
	default:
		m.ReplayOutcomes.WithLabelValues("failed").Inc()
	}
}
