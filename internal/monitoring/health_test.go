package monitoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/model"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testWindow = 24 * time.Hour
	testTh     = Thresholds{Warning: 0.25, Critical: 0.10, MinSample: 2}
)

func entries(stage model.Stage, ago time.Duration, ids ...string) []model.StageEntry {
	out := make([]model.StageEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.StageEntry{LeadID: id, Stage: stage, At: testNow.Add(-ago)})
	}
	return out
}

func leadIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return ids
}

func metricFor(t *testing.T, ms []model.PipelineMetric, from, to model.Stage) model.PipelineMetric {
	t.Helper()
	for _, m := range ms {
		if m.From == from && m.To == to {
			return m
		}
	}
	t.Fatalf("no metric for %s -> %s", from, to)
	return model.PipelineMetric{}
}

func TestCompute_AllPairsInOrder(t *testing.T) {
	ms := Compute(nil, testWindow, testNow, testTh)
	require.Len(t, ms, 7)
	assert.Equal(t, model.StageDiscovered, ms[0].From)
	assert.Equal(t, model.StageStale, ms[6].To)
	for _, m := range ms {
		assert.Equal(t, model.AlertNormal, m.Alert)
		assert.Zero(t, m.ConversionRate)
		assert.Equal(t, 24, m.WindowHours)
	}
}

func TestCompute_ConversionAndAlerts(t *testing.T) {
	ids := leadIDs("d", 10)
	var es []model.StageEntry
	es = append(es, entries(model.StageDiscovered, 3*time.Hour, ids...)...)
	es = append(es, entries(model.StageScraped, 2*time.Hour, ids[:5]...)...)

	ms := Compute(es, testWindow, testNow, testTh)

	ds := metricFor(t, ms, model.StageDiscovered, model.StageScraped)
	assert.Equal(t, 10, ds.SourceCount)
	assert.Equal(t, 5, ds.TargetCount)
	assert.InDelta(t, 0.5, ds.ConversionRate, 1e-9)
	assert.Equal(t, model.AlertNormal, ds.Alert)

	ss := metricFor(t, ms, model.StageScraped, model.StageScored)
	assert.Equal(t, 5, ss.SourceCount)
	assert.Zero(t, ss.TargetCount)
	assert.Equal(t, model.AlertBottlenecked, ss.Alert)
}

func TestCompute_WindowBounds(t *testing.T) {
	var es []model.StageEntry
	// Discovered before the window, scraped inside it.
	es = append(es, entries(model.StageDiscovered, 30*time.Hour, "old")...)
	es = append(es, entries(model.StageScraped, 5*time.Hour, "old")...)
	// Scored in the future is ignored.
	es = append(es, entries(model.StageScored, -time.Hour, "old")...)

	ms := Compute(es, testWindow, testNow, Thresholds{})
	assert.Zero(t, metricFor(t, ms, model.StageDiscovered, model.StageScraped).SourceCount)

	ss := metricFor(t, ms, model.StageScraped, model.StageScored)
	assert.Equal(t, 1, ss.SourceCount)
	assert.Zero(t, ss.TargetCount)
}

func TestCompute_TargetBeforeSourceNotCounted(t *testing.T) {
	var es []model.StageEntry
	es = append(es, entries(model.StageEnriched, 10*time.Hour, "x")...)
	es = append(es, entries(model.StageScored, 5*time.Hour, "x")...)

	ms := Compute(es, testWindow, testNow, Thresholds{})
	se := metricFor(t, ms, model.StageScored, model.StageEnriched)
	assert.Equal(t, 1, se.SourceCount)
	assert.Zero(t, se.TargetCount)
}

func TestCompute_FirstEntryCountsOnce(t *testing.T) {
	var es []model.StageEntry
	es = append(es, entries(model.StageScored, 10*time.Hour, "x")...)
	es = append(es, entries(model.StageEnriched, 8*time.Hour, "x")...)
	es = append(es, entries(model.StageScored, 2*time.Hour, "x")...)

	ms := Compute(es, testWindow, testNow, Thresholds{})
	se := metricFor(t, ms, model.StageScored, model.StageEnriched)
	assert.Equal(t, 1, se.SourceCount)
	assert.Equal(t, 1, se.TargetCount)
}

func TestCompute_InformationalPairsNeverAlert(t *testing.T) {
	ids := leadIDs("o", 10)
	var es []model.StageEntry
	es = append(es, entries(model.StageOutreached, 6*time.Hour, ids...)...)
	es = append(es, entries(model.StageReplied, time.Hour, ids[0])...)
	es = append(es, entries(model.StageOptedOut, time.Hour, ids[1])...)

	ms := Compute(es, testWindow, testNow, testTh)

	replied := metricFor(t, ms, model.StageOutreached, model.StageReplied)
	assert.False(t, replied.Informational)
	assert.Equal(t, model.AlertDegraded, replied.Alert)

	for _, to := range []model.Stage{model.StageOptedOut, model.StageStale} {
		m := metricFor(t, ms, model.StageOutreached, to)
		assert.True(t, m.Informational)
		assert.Equal(t, model.AlertNormal, m.Alert)
	}
}

func TestCompute_MinSample(t *testing.T) {
	es := entries(model.StageDiscovered, time.Hour, "solo")
	ms := Compute(es, testWindow, testNow, testTh)
	ds := metricFor(t, ms, model.StageDiscovered, model.StageScraped)
	assert.Equal(t, 1, ds.SourceCount)
	assert.Equal(t, model.AlertNormal, ds.Alert)
}

func TestThresholds_Classify(t *testing.T) {
	tests := []struct {
		rate float64
		want model.AlertState
	}{
		{0.5, model.AlertNormal},
		{0.25, model.AlertNormal},
		{0.2499, model.AlertDegraded},
		{0.10, model.AlertDegraded},
		{0.0999, model.AlertBottlenecked},
		{0, model.AlertBottlenecked},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.rate), func(t *testing.T) {
			assert.Equal(t, tt.want, testTh.Classify(tt.rate, 10))
		})
	}
}

func TestStageEntries(t *testing.T) {
	at := testNow.Add(-time.Hour)
	history := []model.LeadHistoryEntry{
		{LeadID: "a", Kind: model.HistoryStage, FromStage: model.StageDiscovered, ToStage: model.StageScraped, At: at},
		{LeadID: "a", Kind: model.HistoryDiscovered, ToStage: model.StageDiscovered, At: at.Add(-time.Hour)},
		{LeadID: "a", Kind: model.HistoryScore, FromStage: model.StageScored, ToStage: model.StageScored, At: at},
		{LeadID: "a", Kind: model.HistoryRescore, FromStage: model.StageScored, ToStage: model.StageScored, At: at},
	}

	got := StageEntries(history)
	require.Len(t, got, 2)
	assert.Equal(t, model.StageDiscovered, got[0].Stage)
	assert.Equal(t, model.StageScraped, got[1].Stage)
}

func TestAlertLevel(t *testing.T) {
	assert.InDelta(t, 0.0, AlertLevel(model.AlertNormal), 0)
	assert.InDelta(t, 1.0, AlertLevel(model.AlertDegraded), 0)
	assert.InDelta(t, 2.0, AlertLevel(model.AlertBottlenecked), 0)
}

func TestBacklogs(t *testing.T) {
	limits := map[model.Stage]int{model.StageDiscovered: 50, model.StageScraped: 20, model.StageScored: 0}

	tests := []struct {
		name   string
		counts map[model.Stage]int
		want   []model.StageBacklog
	}{
		{"empty", nil, nil},
		{"at limit", map[model.Stage]int{model.StageDiscovered: 50, model.StageScraped: 20}, nil},
		{"zero limit ignored", map[model.Stage]int{model.StageScored: 999}, nil},
		{
			name:   "both over in pipeline order",
			counts: map[model.Stage]int{model.StageScraped: 21, model.StageDiscovered: 80},
			want: []model.StageBacklog{
				{Stage: model.StageDiscovered, Depth: 80, Limit: 50},
				{Stage: model.StageScraped, Depth: 21, Limit: 20},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backlogs(tt.counts, limits))
		})
	}
}

func TestActivity(t *testing.T) {
	since := testNow.Add(-24 * time.Hour)
	runs := []model.TaskRun{
		{Task: "rescoring", Status: model.TaskSkipped, StartedAt: testNow},
		{Task: "inbox_monitor", Status: model.TaskCompleted, StartedAt: since},
		{Task: "inbox_monitor", Status: model.TaskCompleted, StartedAt: testNow},
		{Task: "inbox_monitor", Status: model.TaskCompleted, StartedAt: since.Add(-time.Second)},
	}

	assert.Equal(t, []model.TaskActivity{
		{Task: "inbox_monitor", Status: model.TaskCompleted, Count: 2},
		{Task: "rescoring", Status: model.TaskSkipped, Count: 1},
	}, Activity(runs, since))
	assert.Empty(t, Activity(nil, since))
}

func TestCompute_QuarterConversion(t *testing.T) {
	ids := leadIDs("lead", 100)
	in := entries(model.StageScored, 10*time.Hour, ids...)
	in = append(in, entries(model.StageEnriched, 5*time.Hour, ids[:25]...)...)

	m := metricFor(t, Compute(in, testWindow, testNow, testTh), model.StageScored, model.StageEnriched)
	assert.Equal(t, 100, m.SourceCount)
	assert.Equal(t, 25, m.TargetCount)
	assert.InDelta(t, 0.25, m.ConversionRate, 1e-9)
	assert.Equal(t, model.AlertNormal, m.Alert, "a rate equal to the warning threshold is not below it")
}
