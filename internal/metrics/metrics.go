// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prospect"

var (
	// TaskRuns counts scheduler dispatches.
	// Labels: task, status (completed, failed, skipped)
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_runs_total",
		Help:      "Scheduled task dispatches by outcome",
	}, []string{"task", "status"})

	// TaskDuration measures task wall time.
	// Labels: task
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Scheduled task duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"task"})

	// SignalVersion is the latest Signal Store version seen by this process.
	SignalVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signals",
		Name:      "version",
		Help:      "Current signal set version",
	})

	// SignalConflicts counts optimistic version conflicts on signal writes.
	SignalConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signals",
		Name:      "version_conflicts_total",
		Help:      "Signal set writes rejected for a stale base version",
	})

	// RefinementCycles counts refiner runs.
	// Labels: result (applied, pending, noop, aborted, conflict)
	RefinementCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refiner",
		Name:      "cycles_total",
		Help:      "Refinement cycles by result",
	}, []string{"result"})

	// RescoredLeads counts leads processed by the re-scoring engine.
	// Labels: result (changed, unchanged, reopened, failed)
	RescoredLeads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rescore",
		Name:      "leads_total",
		Help:      "Leads visited by re-scoring sweeps",
	}, []string{"result"})

	// ConversionRate is the last computed conversion per stage pair.
	// Labels: from, to
	ConversionRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "conversion_rate",
		Help:      "Stage pair conversion rate over the monitoring window",
	}, []string{"from", "to"})

	// AlertLevel is 0 normal, 1 degraded, 2 bottlenecked per stage pair.
	// Labels: from, to
	AlertLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "alert_level",
		Help:      "Stage pair alert level (0 normal, 1 degraded, 2 bottlenecked)",
	}, []string{"from", "to"})

	// StageLeads is the number of leads currently at each stage.
	// Labels: stage
	StageLeads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "stage_leads",
		Help:      "Leads currently at each pipeline stage",
	}, []string{"stage"})

	// Suggestions counts discovery queries emitted by the expander.
	Suggestions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "suggestions_total",
		Help:      "Discovery query suggestions emitted",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
