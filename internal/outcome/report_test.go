package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-engine/internal/model"
)

func event(kind model.OutcomeKind, tier model.Tier, matched ...string) model.OutcomeEvent {
	bd := model.Breakdown{"UNMATCHED": {Matched: false}}
	for _, id := range matched {
		bd[id] = model.SignalMatch{Matched: true, Contribution: 1}
	}
	return model.OutcomeEvent{Kind: kind, TierAtSend: tier, Breakdown: bd}
}

func TestAggregate(t *testing.T) {
	events := []model.OutcomeEvent{
		event(model.OutcomePositiveReply, model.TierHighFit, "AGN_PROD", "DATA_S"),
		event(model.OutcomePositiveReply, model.TierHighFit, "AGN_PROD"),
		event(model.OutcomeDeferral, model.TierMediumFit, "AGN_PROD"),
		event(model.OutcomeOptOut, model.TierMediumFit, "DATA_S"),
		event(model.OutcomeSilence, model.TierLowFit),
	}

	rep := Aggregate(events)

	assert.Equal(t, 5, rep.Global.Total)
	assert.Equal(t, 2, rep.Global.Positive)
	assert.Equal(t, 3, rep.Global.Replies)
	assert.InDelta(t, 0.4, rep.Global.PositiveRate, 1e-9)
	assert.InDelta(t, 0.6, rep.Global.ReplyRate, 1e-9)
	assert.InDelta(t, 0.2, rep.Global.OptOutRate, 1e-9)

	agn := rep.Signals["AGN_PROD"]
	assert.Equal(t, 3, agn.Total)
	assert.Equal(t, 2, agn.Positive)
	assert.InDelta(t, 2.0/3.0, agn.PositiveRate, 1e-9)

	data := rep.Signals["DATA_S"]
	assert.Equal(t, 2, data.Total)
	assert.InDelta(t, 0.5, data.OptOutRate, 1e-9)

	_, ok := rep.Signals["UNMATCHED"]
	assert.False(t, ok, "unmatched signals carry no sample")

	assert.Equal(t, 2, rep.Tiers[model.TierHighFit].Total)
	assert.InDelta(t, 1.0, rep.Tiers[model.TierHighFit].PositiveRate, 1e-9)
	assert.Equal(t, 1, rep.Tiers[model.TierLowFit].Silences)

	assert.Equal(t, []string{"AGN_PROD", "DATA_S"}, rep.SignalIDs())
}

func TestAggregate_Empty(t *testing.T) {
	rep := Aggregate(nil)
	assert.Zero(t, rep.Global.Total)
	assert.Zero(t, rep.Global.PositiveRate)
	require.Len(t, rep.Tiers, len(model.Tiers))
	assert.Empty(t, rep.Signals)
}

func TestAggregate_Deterministic(t *testing.T) {
	events := []model.OutcomeEvent{
		event(model.OutcomePositiveReply, model.TierHighFit, "A", "B", "C"),
		event(model.OutcomeReferral, model.TierMediumFit, "B"),
	}
	assert.Equal(t, Aggregate(events), Aggregate(events))
}
