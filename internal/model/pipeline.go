package model

import "time"

// AlertState is the health classification of one stage pair.
type AlertState string

const (
	AlertNormal       AlertState = "normal"
	AlertDegraded     AlertState = "degraded"
	AlertBottlenecked AlertState = "bottlenecked"
)

// PipelineMetric is the conversion of one adjacent stage pair over a window.
type PipelineMetric struct {
	From           Stage      `json:"from"`
	To             Stage      `json:"to"`
	WindowHours    int        `json:"window_hours"`
	SourceCount    int        `json:"source_count"`
	TargetCount    int        `json:"target_count"`
	ConversionRate float64    `json:"conversion_rate"`
	Alert          AlertState `json:"alert"`
	Informational  bool       `json:"informational,omitempty"`
}

// Pair returns the metric's stage pair.
func (m PipelineMetric) Pair() StagePair {
	return StagePair{From: m.From, To: m.To}
}

// StageBacklog is a stage holding more leads than its configured limit.
type StageBacklog struct {
	Stage Stage `json:"stage"`
	Depth int   `json:"depth"`
	Limit int   `json:"limit"`
}

// TaskActivity counts one task's runs with one status over the activity
// window.
type TaskActivity struct {
	Task   string     `json:"task"`
	Status TaskStatus `json:"status"`
	Count  int        `json:"count"`
}

// PipelineSnapshot is a full recomputation of every pair's metric, plus the
// current lead count per stage and recent task activity.
type PipelineSnapshot struct {
	ID          string           `json:"id"`
	ComputedAt  time.Time        `json:"computed_at"`
	Metrics     []PipelineMetric `json:"metrics"`
	StageCounts map[Stage]int    `json:"stage_counts,omitempty"`
	Backlogs    []StageBacklog   `json:"backlogs,omitempty"`
	Activity    []TaskActivity   `json:"activity,omitempty"`
}

// Metric returns the metric for pair, if present.
func (s *PipelineSnapshot) Metric(pair StagePair) (PipelineMetric, bool) {
	if s == nil {
		return PipelineMetric{}, false
	}
	for _, m := range s.Metrics {
		if m.From == pair.From && m.To == pair.To {
			return m, true
		}
	}
	return PipelineMetric{}, false
}

// QuerySuggestion is a discovery query emitted by the expander.
type QuerySuggestion struct {
	ID        string    `json:"id"`
	CycleID   string    `json:"cycle_id"`
	Query     string    `json:"query"`
	Token     string    `json:"token"`
	Score     float64   `json:"score"`
	Consumed  bool      `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus is the outcome of one scheduled task dispatch.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskRun records a single dispatch of a scheduled task.
type TaskRun struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Duration returns how long the run took.
func (r TaskRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
