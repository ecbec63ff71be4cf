// Package outcome records terminal outreach results and aggregates them by
// signal and tier.
package outcome

import (
	"sort"
	"time"

	"github.com/sells-group/prospect-engine/internal/model"
)

// Rates counts outcomes for one population.
type Rates struct {
	Total     int `json:"total"`
	Positive  int `json:"positive"`
	Deferrals int `json:"deferrals"`
	Referrals int `json:"referrals"`
	OptOuts   int `json:"opt_outs"`
	Silences  int `json:"silences"`
	// Replies counts every answer regardless of sentiment.
	Replies int `json:"replies"`

	// PositiveRate, ReplyRate and OptOutRate are fractions of Total.
	PositiveRate float64 `json:"positive_rate"`
	ReplyRate    float64 `json:"reply_rate"`
	OptOutRate   float64 `json:"opt_out_rate"`
}

func (r *Rates) add(kind model.OutcomeKind) {
	r.Total++
	if kind.IsReply() {
		r.Replies++
	}
	switch kind {
	case model.OutcomePositiveReply:
		r.Positive++
	case model.OutcomeDeferral:
		r.Deferrals++
	case model.OutcomeReferral:
		r.Referrals++
	case model.OutcomeOptOut:
		r.OptOuts++
	case model.OutcomeSilence:
		r.Silences++
	}
}

func (r *Rates) finish() {
	if r.Total == 0 {
		return
	}
	n := float64(r.Total)
	r.PositiveRate = float64(r.Positive) / n
	r.ReplyRate = float64(r.Replies) / n
	r.OptOutRate = float64(r.OptOuts) / n
}

// Report aggregates a consistent snapshot of outcome events.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Since       time.Time `json:"since"`
	Global      Rates     `json:"global"`
	// Signals holds, per signal id, the outcomes of events where the signal matched.
	Signals map[string]Rates `json:"signals"`
	// Tiers holds outcomes grouped by the lead's tier at send time.
	Tiers map[model.Tier]Rates `json:"tiers"`
}

// SignalIDs returns the report's signal ids in lexical order.
func (r Report) SignalIDs() []string {
	ids := make([]string, 0, len(r.Signals))
	for id := range r.Signals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Aggregate computes counts and rates over events. It is pure; the same
// events always yield the same report.
func Aggregate(events []model.OutcomeEvent) Report {
	rep := Report{
		Signals: make(map[string]Rates),
		Tiers:   make(map[model.Tier]Rates, len(model.Tiers)),
	}
	for _, tier := range model.Tiers {
		rep.Tiers[tier] = Rates{}
	}

	for _, ev := range events {
		rep.Global.add(ev.Kind)

		for _, id := range ev.Breakdown.MatchedIDs() {
			r := rep.Signals[id]
			r.add(ev.Kind)
			rep.Signals[id] = r
		}

		if ev.TierAtSend != "" {
			r := rep.Tiers[ev.TierAtSend]
			r.add(ev.Kind)
			rep.Tiers[ev.TierAtSend] = r
		}
	}

	rep.Global.finish()
	for id, r := range rep.Signals {
		r.finish()
		rep.Signals[id] = r
	}
	for tier, r := range rep.Tiers {
		r.finish()
		rep.Tiers[tier] = r
	}
	return rep
}
