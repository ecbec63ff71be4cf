package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
)

func testMonitorConfig() config.MonitoringConfig {
	return config.MonitoringConfig{WindowHours: 24, WarningRate: 0.25, CriticalRate: 0.10, MinSample: 2}
}

// scrapedNotScored records five leads that were scraped but never scored.
func scrapedNotScored(at time.Time) []model.LeadHistoryEntry {
	var out []model.LeadHistoryEntry
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("lead-%d", i)
		out = append(out,
			model.LeadHistoryEntry{LeadID: id, Kind: model.HistoryDiscovered, ToStage: model.StageDiscovered, At: at.Add(-2 * time.Hour)},
			model.LeadHistoryEntry{LeadID: id, Kind: model.HistoryStage, FromStage: model.StageDiscovered, ToStage: model.StageScraped, At: at.Add(-time.Hour)},
		)
	}
	return out
}

func newTestMonitor(st Store, n Notifier) *Monitor {
	m := NewMonitor(st, n, testMonitorConfig())
	m.now = func() time.Time { return testNow }
	return m
}

func TestMonitor_Check_PersistsAndAlerts(t *testing.T) {
	st := &mockStore{history: scrapedNotScored(testNow)}
	n := &mockNotifier{}

	snap, err := newTestMonitor(st, n).Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Metrics, 7)
	assert.Equal(t, testNow, snap.ComputedAt)
	assert.Equal(t, testNow.Add(-24*time.Hour), st.since)
	require.Len(t, st.snapshots, 1)
	assert.Equal(t, snap.ID, st.snapshots[0].ID)

	require.Len(t, n.alerts, 1)
	assert.Equal(t, model.StageScraped, n.alerts[0].From)
	assert.Equal(t, model.AlertBottlenecked, n.alerts[0].State)
	assert.Empty(t, n.alerts[0].Previous)

	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.AlertLevel.WithLabelValues("scraped", "scored")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.ConversionRate.WithLabelValues("discovered", "scraped")), 0)
}

func TestMonitor_Check_ComparesWithPrevious(t *testing.T) {
	st := &mockStore{history: scrapedNotScored(testNow)}
	n := &mockNotifier{}
	m := newTestMonitor(st, n)

	_, err := m.Check(context.Background())
	require.NoError(t, err)
	_, err = m.Check(context.Background())
	require.NoError(t, err)

	assert.Len(t, st.snapshots, 2)
	require.Len(t, n.alerts, 2)
	assert.Equal(t, model.AlertBottlenecked, n.alerts[1].Previous)
}

func TestMonitor_Check_HealthyPipeline(t *testing.T) {
	st := &mockStore{}
	n := &mockNotifier{}

	snap, err := newTestMonitor(st, n).Check(context.Background())
	require.NoError(t, err)
	for _, pm := range snap.Metrics {
		assert.Equal(t, model.AlertNormal, pm.Alert)
	}
	assert.Empty(t, n.alerts)
}

func TestMonitor_Check_SaveError(t *testing.T) {
	st := &mockStore{saveErr: errors.New("disk full")}

	_, err := newTestMonitor(st, nil).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: save snapshot")
}

func TestMonitor_Latest(t *testing.T) {
	st := &mockStore{}
	m := newTestMonitor(st, nil)

	snap, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = m.Check(context.Background())
	require.NoError(t, err)
	snap, err = m.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestMonitor_Check_BacklogAlerts(t *testing.T) {
	st := &mockStore{counts: map[model.Stage]int{
		model.StageDiscovered: 51,
		model.StageScraped:    20,
		model.StageScored:     300,
	}}
	n := &mockNotifier{}
	cfg := testMonitorConfig()
	cfg.BacklogLimits = map[string]int{"discovered": 50, "scraped": 20, "bogus": 1}
	m := NewMonitor(st, n, cfg)
	m.now = func() time.Time { return testNow }

	snap, err := m.Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 51, snap.StageCounts[model.StageDiscovered])
	assert.Equal(t, []model.StageBacklog{{Stage: model.StageDiscovered, Depth: 51, Limit: 50}}, snap.Backlogs)
	require.Len(t, st.snapshots, 1)
	assert.Equal(t, snap.Backlogs, st.snapshots[0].Backlogs)

	require.Len(t, n.alerts, 1)
	assert.Equal(t, AlertKindBacklog, n.alerts[0].Kind)
	assert.Equal(t, model.StageDiscovered, n.alerts[0].Stage)
	assert.Equal(t, model.AlertDegraded, n.alerts[0].State)
	assert.Equal(t, "51 leads waiting at discovered (limit 50)", n.alerts[0].Message)

	assert.InDelta(t, 300.0, testutil.ToFloat64(metrics.StageLeads.WithLabelValues("scored")), 0)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.StageLeads.WithLabelValues("replied")), 0)
}

func TestMonitor_Check_RecentActivity(t *testing.T) {
	st := &mockStore{runs: []model.TaskRun{
		{ID: "r1", Task: "scoring", Status: model.TaskCompleted, StartedAt: testNow.Add(-time.Hour)},
		{ID: "r2", Task: "scoring", Status: model.TaskCompleted, StartedAt: testNow.Add(-2 * time.Hour)},
		{ID: "r3", Task: "scoring", Status: model.TaskFailed, StartedAt: testNow.Add(-3 * time.Hour)},
		{ID: "r4", Task: "outreach", Status: model.TaskCompleted, StartedAt: testNow.Add(-25 * time.Hour)},
	}}

	snap, err := newTestMonitor(st, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.TaskActivity{
		{Task: "scoring", Status: model.TaskCompleted, Count: 2},
		{Task: "scoring", Status: model.TaskFailed, Count: 1},
	}, snap.Activity)
}

func TestMonitor_Check_CountError(t *testing.T) {
	st := &mockStore{countErr: errors.New("db gone")}

	_, err := newTestMonitor(st, nil).Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count leads by stage")
	assert.Empty(t, st.snapshots)
}
