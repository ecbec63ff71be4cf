package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/rescore"
	"github.com/sells-group/prospect-engine/internal/scheduler"
)

// Task names.
const (
	TaskDiscovery          = "discovery"
	TaskScraping           = "scraping"
	TaskScoring            = "scoring"
	TaskEnrichment         = "enrichment"
	TaskOutreach           = "outreach"
	TaskInbox              = "inbox_monitor"
	TaskOutcomeTracking    = "outcome_tracking"
	TaskRefinement         = "scoring_refinement"
	TaskRescoring          = "rescoring"
	TaskDiscoveryExpansion = "discovery_expansion"
	TaskPipelineHealth     = "pipeline_health"
	TaskFullCycle          = "full_cycle"
)

// Tasks returns one scheduler task per pipeline stage plus the full cycle,
// with intervals taken from cfg. A zero interval leaves the task on-demand
// only.
func (o *Orchestrator) Tasks(cfg config.SchedulerConfig) []scheduler.Task {
	counted := func(fn func(context.Context) (StageCount, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		}
	}
	runs := []struct {
		name string
		run  func(context.Context) error
	}{
		{TaskDiscovery, counted(o.Discover)},
		{TaskScraping, counted(o.Scrape)},
		{TaskScoring, counted(o.Score)},
		{TaskEnrichment, counted(o.Enrich)},
		{TaskOutreach, counted(o.Outreach)},
		{TaskInbox, counted(o.PollInbox)},
		{TaskOutcomeTracking, o.TrackOutcomes},
		{TaskRefinement, o.Refine},
		{TaskRescoring, o.Rescore},
		{TaskDiscoveryExpansion, o.Expand},
		{TaskPipelineHealth, o.CheckHealth},
		{TaskFullCycle, func(ctx context.Context) error {
			if failed := o.RunCycle(ctx).Failed(); len(failed) > 0 {
				return eris.Errorf("pipeline: cycle stages failed: %v", failed)
			}
			return nil
		}},
	}

	tasks := make([]scheduler.Task, 0, len(runs))
	for _, r := range runs {
		tasks = append(tasks, scheduler.Task{
			Name:     r.name,
			Interval: time.Duration(cfg.Interval(r.name)) * time.Minute,
			Run:      r.run,
		})
	}
	return tasks
}

// Register adds every pipeline task to s.
func (o *Orchestrator) Register(s *scheduler.Scheduler, cfg config.SchedulerConfig) error {
	for _, t := range o.Tasks(cfg) {
		if err := s.Register(t); err != nil {
			return eris.Wrapf(err, "pipeline: register task %s", t.Name)
		}
	}
	return nil
}

// WatchSignals triggers the rescoring task on every signal version bump
// until ctx ends.
func WatchSignals(ctx context.Context, updates <-chan int64, s *scheduler.Scheduler) {
	rescore.Watch(ctx, updates, func(int64) {
		if err := s.Trigger(TaskRescoring); err != nil {
			zap.L().Warn("pipeline: trigger rescoring failed", zap.Error(err))
		}
	})
}
