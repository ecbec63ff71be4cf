// Package pipeline wires the engine components and the external
// collaborators into scheduled tasks and a full prospecting cycle.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/discovery"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/outcome"
	"github.com/sells-group/prospect-engine/internal/refiner"
	"github.com/sells-group/prospect-engine/internal/rescore"
	"github.com/sells-group/prospect-engine/internal/scorer"
	"github.com/sells-group/prospect-engine/internal/store"
)

const defaultBatch = 100

// LeadLedger is the ledger surface the orchestrator drives.
type LeadLedger interface {
	List(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error)
	UpsertByDomain(ctx context.Context, raw string, profile model.Profile) (string, bool, error)
	MarkScraped(ctx context.Context, id string, profile model.Profile) (*model.Lead, error)
	RecordScore(ctx context.Context, id string, breakdown model.Breakdown, version int64) (scorer.Result, error)
	AdvanceStage(ctx context.Context, id string, target model.Stage) (*model.Lead, error)
}

// SignalSource provides the current signal set.
type SignalSource interface {
	Current(ctx context.Context) (model.SignalSet, error)
}

// OutcomeTracker records outcomes and reports on them.
type OutcomeTracker interface {
	Record(ctx context.Context, leadID string, kind model.OutcomeKind, snapshot model.Breakdown) (model.OutcomeEvent, error)
	LogReport(ctx context.Context) (outcome.Report, error)
}

// SuggestionQueue hands expander output to the discovery collaborator.
type SuggestionQueue interface {
	ListSuggestions(ctx context.Context, unconsumedOnly bool, limit int) ([]model.QuerySuggestion, error)
	MarkSuggestionsConsumed(ctx context.Context, ids []string) error
}

// Refiner adjusts signal weights from outcomes.
type Refiner interface {
	Run(ctx context.Context, dryRun bool) (refiner.Result, error)
}

// Rescorer sweeps leads against the current signal set.
type Rescorer interface {
	Run(ctx context.Context) (rescore.Result, error)
}

// Expander mines new discovery queries.
type Expander interface {
	Run(ctx context.Context) (discovery.Result, error)
}

// HealthChecker computes pipeline health.
type HealthChecker interface {
	Check(ctx context.Context) (*model.PipelineSnapshot, error)
}

// Deps are the orchestrator's dependencies. The engine components are
// required. Collaborators may be nil; their stages are then logged no-ops.
type Deps struct {
	Ledger      LeadLedger
	Signals     SignalSource
	Outcomes    OutcomeTracker
	Suggestions SuggestionQueue
	Refiner     Refiner
	Rescorer    Rescorer
	Expander    Expander
	Health      HealthChecker

	Discoverer Discoverer
	Extractor  SignalExtractor
	Enricher   Enricher
	Outreacher Outreacher
	Inbox      InboxMonitor
}

// StageCount summarizes per-lead work done by one stage.
type StageCount struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Orchestrator runs pipeline stages.
type Orchestrator struct {
	d     Deps
	batch int
	log   *zap.Logger
}

// New creates an Orchestrator. batch bounds how many leads a stage loads per
// page.
func New(d Deps, batch int) *Orchestrator {
	if batch < 1 {
		batch = defaultBatch
	}
	return &Orchestrator{d: d, batch: batch, log: zap.L().With(zap.String("component", "pipeline"))}
}

// Discover consumes pending query suggestions and upserts every candidate the
// discovery collaborator returns.
func (o *Orchestrator) Discover(ctx context.Context) (StageCount, error) {
	var c StageCount
	if o.d.Discoverer == nil {
		o.log.Debug("pipeline: no discoverer configured, skipping discovery")
		return c, nil
	}

	queries, err := o.d.Suggestions.ListSuggestions(ctx, true, o.batch)
	if err != nil {
		return c, eris.Wrap(err, "pipeline: list suggestions")
	}
	candidates, err := o.d.Discoverer.Discover(ctx, queries)
	if err != nil {
		return c, eris.Wrap(err, "pipeline: discover")
	}
	if len(queries) > 0 {
		ids := make([]string, len(queries))
		for i, q := range queries {
			ids[i] = q.ID
		}
		if err := o.d.Suggestions.MarkSuggestionsConsumed(ctx, ids); err != nil {
			return c, eris.Wrap(err, "pipeline: mark suggestions consumed")
		}
	}

	for _, cand := range candidates {
		if _, _, err := o.d.Ledger.UpsertByDomain(ctx, cand.Domain, cand.Profile); err != nil {
			c.Failed++
			o.log.Warn("pipeline: upsert candidate failed", zap.String("domain", cand.Domain), zap.Error(err))
			continue
		}
		c.Processed++
	}
	return c, nil
}

// Scrape moves discovered leads to scraped with their extracted profile.
func (o *Orchestrator) Scrape(ctx context.Context) (StageCount, error) {
	if o.d.Extractor == nil {
		o.log.Debug("pipeline: no extractor configured, skipping scraping")
		return StageCount{}, nil
	}
	return o.eachLead(ctx, "scrape", store.LeadFilter{Stage: model.StageDiscovered}, func(lead model.Lead) error {
		profile, err := o.d.Extractor.Scrape(ctx, lead)
		if err != nil {
			return err
		}
		_, err = o.d.Ledger.MarkScraped(ctx, lead.ID, profile)
		return err
	})
}

// Score evaluates scraped leads against the current signal set.
func (o *Orchestrator) Score(ctx context.Context) (StageCount, error) {
	if o.d.Extractor == nil {
		o.log.Debug("pipeline: no extractor configured, skipping scoring")
		return StageCount{}, nil
	}
	set, err := o.d.Signals.Current(ctx)
	if err != nil {
		return StageCount{}, eris.Wrap(err, "pipeline: load signal set")
	}
	return o.eachLead(ctx, "score", store.LeadFilter{Stage: model.StageScraped}, func(lead model.Lead) error {
		bd, err := o.d.Extractor.Extract(ctx, lead, set)
		if err != nil {
			return err
		}
		_, err = o.d.Ledger.RecordScore(ctx, lead.ID, bd, set.Version)
		return err
	})
}

// Enrich advances high and medium fit leads once enrichment succeeds. Low fit
// leads stay scored.
func (o *Orchestrator) Enrich(ctx context.Context) (StageCount, error) {
	if o.d.Enricher == nil {
		o.log.Debug("pipeline: no enricher configured, skipping enrichment")
		return StageCount{}, nil
	}
	return o.eachLead(ctx, "enrich", store.LeadFilter{Stage: model.StageScored}, func(lead model.Lead) error {
		if lead.Tier == model.TierLowFit {
			return errSkipLead
		}
		if err := o.d.Enricher.Enrich(ctx, lead); err != nil {
			return err
		}
		_, err := o.d.Ledger.AdvanceStage(ctx, lead.ID, model.StageEnriched)
		return err
	})
}

// Outreach sends to enriched leads and marks them outreached.
func (o *Orchestrator) Outreach(ctx context.Context) (StageCount, error) {
	if o.d.Outreacher == nil {
		o.log.Debug("pipeline: no outreacher configured, skipping outreach")
		return StageCount{}, nil
	}
	return o.eachLead(ctx, "outreach", store.LeadFilter{Stage: model.StageEnriched}, func(lead model.Lead) error {
		if err := o.d.Outreacher.Send(ctx, lead); err != nil {
			return err
		}
		_, err := o.d.Ledger.AdvanceStage(ctx, lead.ID, model.StageOutreached)
		return err
	})
}

// PollInbox records every outcome the inbox collaborator reports.
func (o *Orchestrator) PollInbox(ctx context.Context) (StageCount, error) {
	var c StageCount
	if o.d.Inbox == nil {
		o.log.Debug("pipeline: no inbox monitor configured, skipping inbox")
		return c, nil
	}
	results, err := o.d.Inbox.Poll(ctx)
	if err != nil {
		return c, eris.Wrap(err, "pipeline: poll inbox")
	}
	for _, r := range results {
		if _, err := o.d.Outcomes.Record(ctx, r.LeadID, r.Kind, r.Snapshot); err != nil {
			c.Failed++
			o.log.Warn("pipeline: record outcome failed",
				zap.String("lead_id", r.LeadID),
				zap.String("kind", string(r.Kind)),
				zap.Error(err),
			)
			continue
		}
		c.Processed++
	}
	return c, nil
}

// TrackOutcomes logs the outcome report.
func (o *Orchestrator) TrackOutcomes(ctx context.Context) error {
	_, err := o.d.Outcomes.LogReport(ctx)
	return err
}

// Refine runs one refinement cycle.
func (o *Orchestrator) Refine(ctx context.Context) error {
	_, err := o.d.Refiner.Run(ctx, false)
	return err
}

// Rescore runs one re-scoring sweep.
func (o *Orchestrator) Rescore(ctx context.Context) error {
	_, err := o.d.Rescorer.Run(ctx)
	return err
}

// Expand runs one discovery expansion.
func (o *Orchestrator) Expand(ctx context.Context) error {
	_, err := o.d.Expander.Run(ctx)
	return err
}

// CheckHealth runs one health check.
func (o *Orchestrator) CheckHealth(ctx context.Context) error {
	_, err := o.d.Health.Check(ctx)
	return err
}

// errSkipLead leaves a lead in place without counting it as processed or
// failed.
var errSkipLead = eris.New("pipeline: lead skipped")

// eachLead pages through leads matching filter and applies fn to each. Lead
// failures are logged and counted; only a listing error aborts the stage.
func (o *Orchestrator) eachLead(ctx context.Context, stage string, filter store.LeadFilter, fn func(model.Lead) error) (StageCount, error) {
	var c StageCount
	filter.Limit = o.batch
	for {
		if err := ctx.Err(); err != nil {
			return c, err
		}
		leads, err := o.d.Ledger.List(ctx, filter)
		if err != nil {
			return c, eris.Wrapf(err, "pipeline: list leads for %s", stage)
		}
		for _, lead := range leads {
			if err := ctx.Err(); err != nil {
				return c, err
			}
			switch err := fn(lead); {
			case err == nil:
				c.Processed++
			case errors.Is(err, errSkipLead):
			default:
				c.Failed++
				o.log.Warn("pipeline: lead failed",
					zap.String("stage", stage),
					zap.String("lead_id", lead.ID),
					zap.Error(err),
				)
			}
		}
		if len(leads) < filter.Limit {
			return c, nil
		}
		filter.AfterID = leads[len(leads)-1].ID
	}
}

// StageResult is one stage of a full cycle.
type StageResult struct {
	Name     string        `json:"name"`
	Count    StageCount    `json:"count"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// CycleResult is the outcome of RunCycle.
type CycleResult struct {
	Stages []StageResult `json:"stages"`
}

// Failed returns the names of stages that returned an error.
func (r CycleResult) Failed() []string {
	var out []string
	for _, s := range r.Stages {
		if s.Error != "" {
			out = append(out, s.Name)
		}
	}
	return out
}

// RunCycle runs every stage in pipeline order. A failed stage is logged and
// the cycle moves on; only cancellation stops it early.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	plain := func(fn func(context.Context) error) func(context.Context) (StageCount, error) {
		return func(ctx context.Context) (StageCount, error) { return StageCount{}, fn(ctx) }
	}
	stages := []struct {
		name string
		run  func(context.Context) (StageCount, error)
	}{
		{"discovery", o.Discover},
		{"scraping", o.Scrape},
		{"scoring", o.Score},
		{"enrichment", o.Enrich},
		{"outreach", o.Outreach},
		{"inbox_monitor", o.PollInbox},
		{"outcome_tracking", plain(o.TrackOutcomes)},
		{"scoring_refinement", plain(o.Refine)},
		{"rescoring", plain(o.Rescore)},
		{"discovery_expansion", plain(o.Expand)},
		{"pipeline_health", plain(o.CheckHealth)},
	}

	var res CycleResult
	for _, st := range stages {
		if ctx.Err() != nil {
			o.log.Warn("pipeline: cycle cancelled", zap.String("next_stage", st.name))
			break
		}
		start := time.Now()
		count, err := st.run(ctx)
		sr := StageResult{Name: st.name, Count: count, Duration: time.Since(start)}
		if err != nil {
			sr.Error = err.Error()
			o.log.Error("pipeline: stage failed",
				zap.String("stage", st.name),
				zap.Duration("duration", sr.Duration),
				zap.Error(err),
			)
		} else {
			o.log.Info("pipeline: stage complete",
				zap.String("stage", st.name),
				zap.Int("processed", count.Processed),
				zap.Int("failed", count.Failed),
				zap.Duration("duration", sr.Duration),
			)
		}
		res.Stages = append(res.Stages, sr)
	}
	return res
}
