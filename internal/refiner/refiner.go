package refiner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/outcome"
	"github.com/sells-group/prospect-engine/internal/resilience"
)

// SignalWriter reads and advances the Signal Store.
type SignalWriter interface {
	Current(ctx context.Context) (model.SignalSet, error)
	ProposeAndApply(ctx context.Context, baseVersion int64, changes []model.WeightChange, proposals []model.RefinementProposal, reason string) (int64, error)
	Bounds() (floor, ceiling float64)
}

// EventLoader returns the outcome snapshot a cycle is computed from.
type EventLoader interface {
	Events(ctx context.Context) ([]model.OutcomeEvent, error)
}

// ProposalSaver persists proposals that were not applied.
type ProposalSaver interface {
	SaveProposals(ctx context.Context, proposals []model.RefinementProposal) error
}

// Result summarizes one refinement cycle.
type Result struct {
	Plan       Plan  `json:"plan"`
	NewVersion int64 `json:"new_version,omitempty"`
	Applied    bool  `json:"applied"`
	Pending    bool  `json:"pending"`
	DryRun     bool  `json:"dry_run"`
	Attempts   int   `json:"attempts"`
}

// Refiner runs refinement cycles against the Signal Store.
type Refiner struct {
	signals   SignalWriter
	events    EventLoader
	proposals ProposalSaver
	cfg       config.RefinerConfig
	retries   int
	log       *zap.Logger
	now       func() time.Time
}

// New creates a Refiner. retries bounds attempts after a version conflict.
func New(signals SignalWriter, events EventLoader, proposals ProposalSaver, cfg config.RefinerConfig, retries int) *Refiner {
	return &Refiner{
		signals:   signals,
		events:    events,
		proposals: proposals,
		cfg:       cfg,
		retries:   retries,
		log:       zap.L().With(zap.String("component", "refiner")),
		now:       time.Now,
	}
}

// Run computes one cycle and applies it as a single version bump. With
// dryRun, or when auto-apply is off, nothing is applied; without dryRun the
// proposals are stored as pending for review. A lost version race re-reads
// the snapshot and recomputes, up to the retry bound.
func (r *Refiner) Run(ctx context.Context, dryRun bool) (Result, error) {
	cycleID := uuid.NewString()
	log := r.log.With(zap.String("cycle_id", cycleID))

	var attempts int
	res, err := resilience.DoVal(ctx, resilience.ConflictRetryConfig(r.retries, "refine"), func(ctx context.Context) (Result, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return r.cycle(ctx, cycleID, dryRun)
	})
	res.Attempts = attempts
	if err != nil {
		var aborted *model.RefinementAbortedError
		switch {
		case errors.As(err, &aborted):
			metrics.RefinementCycles.WithLabelValues("aborted").Inc()
			log.Error("refiner: cycle aborted",
				zap.String("signal_id", aborted.SignalID),
				zap.String("reason", aborted.Reason),
				zap.Int("proposals", len(aborted.Proposals)),
			)
			for _, p := range aborted.Proposals {
				log.Error("refiner: aborted proposal",
					zap.String("signal_id", p.SignalID),
					zap.Float64("old_weight", p.OldWeight),
					zap.Float64("proposed_weight", p.ProposedWeight),
					zap.Float64("delta", p.Delta()),
					zap.Int("sample_size", p.SampleSize),
					zap.String("reason", p.Reason),
				)
			}
			return res, err
		case errors.Is(err, model.ErrVersionConflict):
			metrics.RefinementCycles.WithLabelValues("conflict").Inc()
			log.Warn("refiner: gave up after version conflicts", zap.Int("attempts", attempts))
			return res, err
		}
		return res, eris.Wrap(err, "refiner: run")
	}

	switch {
	case res.Applied:
		metrics.RefinementCycles.WithLabelValues("applied").Inc()
		log.Info("refiner: cycle applied",
			zap.Int64("base_version", res.Plan.BaseVersion),
			zap.Int64("version", res.NewVersion),
			zap.Int("changes", len(res.Plan.Proposals)),
			zap.Int("skipped", len(res.Plan.Skipped)),
		)
	case len(res.Plan.Proposals) == 0:
		metrics.RefinementCycles.WithLabelValues("noop").Inc()
		log.Info("refiner: no adjustments needed",
			zap.Int("sample", res.Plan.SampleSize),
			zap.Int("skipped", len(res.Plan.Skipped)),
		)
	default:
		metrics.RefinementCycles.WithLabelValues("pending").Inc()
		log.Info("refiner: proposals computed, not applied",
			zap.Bool("dry_run", res.DryRun),
			zap.Int("proposals", len(res.Plan.Proposals)),
		)
	}
	for _, p := range res.Plan.Proposals {
		log.Debug("refiner: proposal",
			zap.String("signal_id", p.SignalID),
			zap.Float64("old_weight", p.OldWeight),
			zap.Float64("proposed_weight", p.ProposedWeight),
			zap.String("reason", p.Reason),
		)
	}
	return res, nil
}

func (r *Refiner) cycle(ctx context.Context, cycleID string, dryRun bool) (Result, error) {
	events, err := r.events.Events(ctx)
	if err != nil {
		return Result{}, err
	}
	set, err := r.signals.Current(ctx)
	if err != nil {
		return Result{}, err
	}

	floor, ceiling := r.signals.Bounds()
	plan, err := Propose(cycleID, set, outcome.Aggregate(events), Params{RefinerConfig: r.cfg, Floor: floor, Ceiling: ceiling})
	if err != nil {
		return Result{}, err
	}

	now := r.now().UTC()
	for i := range plan.Proposals {
		plan.Proposals[i].ID = uuid.NewString()
		plan.Proposals[i].CreatedAt = now
	}

	res := Result{Plan: plan, DryRun: dryRun}
	if len(plan.Proposals) == 0 || dryRun {
		return res, nil
	}

	if !r.cfg.AutoApply {
		if err := r.proposals.SaveProposals(ctx, plan.Proposals); err != nil {
			return Result{}, eris.Wrap(err, "refiner: save pending proposals")
		}
		res.Pending = true
		return res, nil
	}

	v, err := r.signals.ProposeAndApply(ctx, plan.BaseVersion, plan.Changes(), plan.Proposals, "refinement cycle "+cycleID)
	if err != nil {
		return Result{}, err
	}
	for i := range res.Plan.Proposals {
		res.Plan.Proposals[i].Applied = true
		res.Plan.Proposals[i].AppliedVersion = v
	}
	res.NewVersion = v
	res.Applied = true
	return res, nil
}
