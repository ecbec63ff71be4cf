// Package monitoring computes per-stage conversion over a rolling window and
// flags stage pairs whose conversion falls below the configured rates.
package monitoring

import (
	"sort"
	"time"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/model"
)

// Thresholds classify a pair's conversion rate.
type Thresholds struct {
	Warning   float64
	Critical  float64
	MinSample int
}

// ThresholdsFromConfig converts monitoring config into Thresholds.
func ThresholdsFromConfig(cfg config.MonitoringConfig) Thresholds {
	return Thresholds{Warning: cfg.WarningRate, Critical: cfg.CriticalRate, MinSample: cfg.MinSample}
}

// informational pairs are reported but never alert: a low opt-out or
// silence rate is good news.
var informational = map[model.StagePair]bool{
	{From: model.StageOutreached, To: model.StageOptedOut}: true,
	{From: model.StageOutreached, To: model.StageStale}:    true,
}

// IsInformational reports whether pair is exempt from alerting.
func IsInformational(pair model.StagePair) bool {
	return informational[pair]
}

// Classify maps a rate to an alert state. Pairs with fewer than MinSample
// source leads are normal.
func (t Thresholds) Classify(rate float64, source int) model.AlertState {
	if source < t.MinSample {
		return model.AlertNormal
	}
	switch {
	case rate < t.Critical:
		return model.AlertBottlenecked
	case rate < t.Warning:
		return model.AlertDegraded
	default:
		return model.AlertNormal
	}
}

// StageEntries extracts stage entries from lead history in time order.
func StageEntries(history []model.LeadHistoryEntry) []model.StageEntry {
	var out []model.StageEntry
	for _, h := range history {
		if h.EntersStage() {
			out = append(out, model.StageEntry{LeadID: h.LeadID, Stage: h.ToStage, At: h.At})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Compute returns one metric per adjacent stage pair, in pipeline order. A
// lead counts toward a pair's source when its first entry into the source
// stage falls inside [now-window, now]; it counts toward the target when it
// then entered the target stage at or after that entry and no later than now.
func Compute(entries []model.StageEntry, window time.Duration, now time.Time, th Thresholds) []model.PipelineMetric {
	start := now.Add(-window)

	// first[stage][lead] is the earliest in-window entry; entered keeps every
	// in-window entry time for target matching.
	first := make(map[model.Stage]map[string]time.Time)
	entered := make(map[model.Stage]map[string][]time.Time)
	for _, e := range entries {
		if e.At.Before(start) || e.At.After(now) {
			continue
		}
		if first[e.Stage] == nil {
			first[e.Stage] = make(map[string]time.Time)
			entered[e.Stage] = make(map[string][]time.Time)
		}
		if at, ok := first[e.Stage][e.LeadID]; !ok || e.At.Before(at) {
			first[e.Stage][e.LeadID] = e.At
		}
		entered[e.Stage][e.LeadID] = append(entered[e.Stage][e.LeadID], e.At)
	}

	pairs := model.AdjacentPairs()
	out := make([]model.PipelineMetric, 0, len(pairs))
	for _, p := range pairs {
		m := model.PipelineMetric{From: p.From, To: p.To, WindowHours: int(window.Hours())}
		for lead, at := range first[p.From] {
			m.SourceCount++
			for _, t := range entered[p.To][lead] {
				if !t.Before(at) {
					m.TargetCount++
					break
				}
			}
		}
		if m.SourceCount > 0 {
			m.ConversionRate = float64(m.TargetCount) / float64(m.SourceCount)
		}
		m.Informational = IsInformational(p)
		m.Alert = model.AlertNormal
		if !m.Informational {
			m.Alert = th.Classify(m.ConversionRate, m.SourceCount)
		}
		out = append(out, m)
	}
	return out
}

// AlertLevel is the numeric level exported as a gauge.
func AlertLevel(s model.AlertState) float64 {
	switch s {
	case model.AlertDegraded:
		return 1
	case model.AlertBottlenecked:
		return 2
	default:
		return 0
	}
}

// Backlogs returns the stages whose current lead count exceeds their limit,
// in pipeline order. Stages with no positive limit are skipped.
func Backlogs(counts, limits map[model.Stage]int) []model.StageBacklog {
	var out []model.StageBacklog
	for _, st := range model.Stages {
		limit := limits[st]
		if limit <= 0 || counts[st] <= limit {
			continue
		}
		out = append(out, model.StageBacklog{Stage: st, Depth: counts[st], Limit: limit})
	}
	return out
}

// Activity tallies runs started at or after since by task and status,
// sorted by task then status.
func Activity(runs []model.TaskRun, since time.Time) []model.TaskActivity {
	type key struct {
		task   string
		status model.TaskStatus
	}
	counts := make(map[key]int)
	for _, r := range runs {
		if r.StartedAt.Before(since) {
			continue
		}
		counts[key{r.Task, r.Status}]++
	}

	out := make([]model.TaskActivity, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.TaskActivity{Task: k.task, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].Status < out[j].Status
	})
	return out
}
