package monitoring

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
)

// activityRunLimit bounds how many recent task runs one check reads.
const activityRunLimit = 1000

// Store is the persistence the monitor reads and writes.
type Store interface {
	HistorySince(ctx context.Context, since time.Time) ([]model.LeadHistoryEntry, error)
	CountLeadsByStage(ctx context.Context) (map[model.Stage]int, error)
	ListTaskRuns(ctx context.Context, task string, limit int) ([]model.TaskRun, error)
	SaveSnapshot(ctx context.Context, snap model.PipelineSnapshot) error
	LatestSnapshot(ctx context.Context) (*model.PipelineSnapshot, error)
}

// Monitor runs health checks and persists each result as a snapshot.
type Monitor struct {
	store    Store
	notifier Notifier
	window   time.Duration
	activity time.Duration
	th       Thresholds
	limits   map[model.Stage]int
	log      *zap.Logger
	now      func() time.Time
}

// NewMonitor creates a Monitor. notifier may be nil.
func NewMonitor(st Store, notifier Notifier, cfg config.MonitoringConfig) *Monitor {
	hours := cfg.WindowHours
	if hours <= 0 {
		hours = 7 * 24
	}
	activity := cfg.ActivityHours
	if activity <= 0 {
		activity = 24
	}
	log := zap.L().With(zap.String("component", "monitoring"))

	limits := make(map[model.Stage]int, len(cfg.BacklogLimits))
	for name, limit := range cfg.BacklogLimits {
		stage, err := model.ParseStage(name)
		if err != nil {
			log.Warn("monitoring: ignoring backlog limit for unknown stage", zap.String("stage", name))
			continue
		}
		limits[stage] = limit
	}

	return &Monitor{
		store:    st,
		notifier: notifier,
		window:   time.Duration(hours) * time.Hour,
		activity: time.Duration(activity) * time.Hour,
		th:       ThresholdsFromConfig(cfg),
		limits:   limits,
		log:      log,
		now:      time.Now,
	}
}

// Latest returns the most recent snapshot, or nil when none was taken.
func (m *Monitor) Latest(ctx context.Context) (*model.PipelineSnapshot, error) {
	snap, err := m.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest snapshot")
	}
	return snap, nil
}

// Check recomputes every pair and the current stage depths, persists the
// snapshot, and reports alert transitions against the previous snapshot.
// Non-normal pairs and backlogged stages go to the notifier on every check.
func (m *Monitor) Check(ctx context.Context) (*model.PipelineSnapshot, error) {
	now := m.now().UTC()

	prev, err := m.Latest(ctx)
	if err != nil {
		return nil, err
	}

	history, err := m.store.HistorySince(ctx, now.Add(-m.window))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: load history")
	}

	counts, err := m.store.CountLeadsByStage(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count leads by stage")
	}

	runs, err := m.store.ListTaskRuns(ctx, "", activityRunLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list task runs")
	}

	snap := model.PipelineSnapshot{
		ID:          uuid.NewString(),
		ComputedAt:  now,
		Metrics:     Compute(StageEntries(history), m.window, now, m.th),
		StageCounts: counts,
		Backlogs:    Backlogs(counts, m.limits),
		Activity:    Activity(runs, now.Add(-m.activity)),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "monitoring: save snapshot")
	}

	var alerts []Alert
	for _, pm := range snap.Metrics {
		metrics.ConversionRate.WithLabelValues(string(pm.From), string(pm.To)).Set(pm.ConversionRate)
		metrics.AlertLevel.WithLabelValues(string(pm.From), string(pm.To)).Set(AlertLevel(pm.Alert))

		var previous model.AlertState
		if old, ok := prev.Metric(pm.Pair()); ok {
			previous = old.Alert
		}
		m.logTransition(pm, previous)

		if pm.Alert != model.AlertNormal {
			alerts = append(alerts, NewAlert(pm, previous, now))
		}
	}

	for _, st := range model.Stages {
		metrics.StageLeads.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	for _, b := range snap.Backlogs {
		m.log.Warn("monitoring: stage backlog over limit",
			zap.String("stage", string(b.Stage)),
			zap.Int("depth", b.Depth),
			zap.Int("limit", b.Limit),
		)
		alerts = append(alerts, NewBacklogAlert(b, now))
	}

	sent := 0
	if m.notifier != nil && len(alerts) > 0 {
		sent = m.notifier.Notify(ctx, alerts)
	}
	m.log.Info("monitoring: health check complete",
		zap.String("snapshot_id", snap.ID),
		zap.Int("pairs", len(snap.Metrics)),
		zap.Int("backlogs", len(snap.Backlogs)),
		zap.Int("alerts", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return &snap, nil
}

func (m *Monitor) logTransition(pm model.PipelineMetric, previous model.AlertState) {
	if previous == "" {
		previous = model.AlertNormal
	}
	if pm.Alert == previous {
		return
	}
	fields := []zap.Field{
		zap.String("from", string(pm.From)),
		zap.String("to", string(pm.To)),
		zap.String("previous", string(previous)),
		zap.String("state", string(pm.Alert)),
		zap.Float64("conversion_rate", pm.ConversionRate),
		zap.Int("source_count", pm.SourceCount),
	}
	if pm.Alert == model.AlertNormal {
		m.log.Info("monitoring: stage pair recovered", fields...)
		return
	}
	m.log.Warn("monitoring: stage pair alert changed", fields...)
}
