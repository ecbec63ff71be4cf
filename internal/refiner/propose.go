// Package refiner turns outcome history into bounded signal weight changes.
package refiner

import (
	"fmt"
	"math"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/outcome"
	"github.com/sells-group/prospect-engine/internal/scorer"
)

// Skip reasons. A skipped signal is not an error.
const (
	ReasonInsufficientSample = "insufficient_sample"
	ReasonWithinRange        = "within_range"
	ReasonNoBaseline         = "no_baseline"
	ReasonAtBound            = "at_bound"
)

// minRelativeCap keeps relative mode able to move a zero weight.
const minRelativeCap = 0.01

// Params are the inputs of one proposal computation.
type Params struct {
	config.RefinerConfig
	Floor   float64
	Ceiling float64
}

// Cap returns the largest allowed per-cycle move for a signal at old.
func (p Params) Cap(old float64) float64 {
	if p.CapMode == config.CapModeRelative {
		return math.Max(p.MaxRelDelta*math.Abs(old), minRelativeCap)
	}
	return p.MaxAbsDelta
}

// Skip records a signal the cycle left alone.
type Skip struct {
	SignalID   string `json:"signal_id"`
	SampleSize int    `json:"sample_size"`
	Reason     string `json:"reason"`
}

// Plan is the full set of changes for one cycle, computed from one snapshot.
type Plan struct {
	CycleID     string                     `json:"cycle_id"`
	BaseVersion int64                      `json:"base_version"`
	Baseline    float64                    `json:"baseline"`
	SampleSize  int                        `json:"sample_size"`
	Proposals   []model.RefinementProposal `json:"proposals"`
	Skipped     []Skip                     `json:"skipped,omitempty"`
}

// Changes converts the plan's proposals to weight changes.
func (p Plan) Changes() []model.WeightChange {
	out := make([]model.WeightChange, len(p.Proposals))
	for i, pr := range p.Proposals {
		out[i] = pr.Change()
	}
	return out
}

// Propose computes weight adjustments for set from report. It is pure. When
// any computed proposal violates the per-cycle cap or the hard bounds, the
// whole plan is rejected with a *model.RefinementAbortedError.
func Propose(cycleID string, set model.SignalSet, rep outcome.Report, p Params) (Plan, error) {
	plan := Plan{
		CycleID:     cycleID,
		BaseVersion: set.Version,
		Baseline:    rep.Global.PositiveRate,
		SampleSize:  rep.Global.Total,
	}

	for _, id := range set.IDs() {
		old := set.Signals[id].Weight
		stats := rep.Signals[id]

		if stats.Total < p.MinSample {
			plan.Skipped = append(plan.Skipped, Skip{SignalID: id, SampleSize: stats.Total, Reason: ReasonInsufficientSample})
			continue
		}

		corr := stats.PositiveRate - plan.Baseline
		var lift float64
		if plan.Baseline > 0 {
			lift = stats.PositiveRate / plan.Baseline
		}

		limit := p.Cap(old)
		var raw float64
		var reason string
		switch {
		case stats.OptOutRate > p.OptOutPenaltyRate:
			raw = -limit
			reason = fmt.Sprintf("high opt-out rate %.1f%%", stats.OptOutRate*100)
		case plan.Baseline == 0:
			plan.Skipped = append(plan.Skipped, Skip{SignalID: id, SampleSize: stats.Total, Reason: ReasonNoBaseline})
			continue
		case math.Abs(lift-1) >= p.MinLift:
			raw = p.Gain * (lift - 1)
			reason = fmt.Sprintf("positive rate %.1f%% vs baseline %.1f%% (lift %.2f)", stats.PositiveRate*100, plan.Baseline*100, lift)
		default:
			plan.Skipped = append(plan.Skipped, Skip{SignalID: id, SampleSize: stats.Total, Reason: ReasonWithinRange})
			continue
		}

		next := roundToward(clamp(old+clamp(raw, -limit, limit), p.Floor, p.Ceiling), old)
		if next == old {
			plan.Skipped = append(plan.Skipped, Skip{SignalID: id, SampleSize: stats.Total, Reason: ReasonAtBound})
			continue
		}

		plan.Proposals = append(plan.Proposals, model.RefinementProposal{
			CycleID:         cycleID,
			SignalID:        id,
			OldWeight:       old,
			ProposedWeight:  next,
			SampleSize:      stats.Total,
			Correlation:     corr,
			Lift:            lift,
			Reason:          reason,
			RollbackVersion: set.Version,
		})
	}

	if err := validate(plan, p); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// validate rejects the plan when any single proposal is unsafe.
func validate(plan Plan, p Params) error {
	for _, pr := range plan.Proposals {
		var reason string
		delta := math.Abs(pr.Delta())
		switch {
		case math.IsNaN(pr.ProposedWeight) || math.IsInf(pr.ProposedWeight, 0):
			reason = "proposed weight is not finite"
		case pr.ProposedWeight < p.Floor || pr.ProposedWeight > p.Ceiling:
			reason = fmt.Sprintf("proposed weight %.2f outside [%.2f, %.2f]", pr.ProposedWeight, p.Floor, p.Ceiling)
		case delta > p.Cap(pr.OldWeight)+1e-9:
			reason = fmt.Sprintf("delta %.2f exceeds per-cycle cap %.2f", delta, p.Cap(pr.OldWeight))
		default:
			continue
		}
		return &model.RefinementAbortedError{SignalID: pr.SignalID, Reason: reason, Proposals: plan.Proposals}
	}
	return nil
}

// roundToward rounds v to two decimals in the direction of old so rounding
// never pushes a move past its cap.
func roundToward(v, old float64) float64 {
	r := scorer.Round2(v)
	if math.Abs(r-old) <= math.Abs(v-old) {
		return r
	}
	if v > old {
		return math.Floor(v*100) / 100
	}
	return math.Ceil(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
