package outcome

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/model"
)

// Recorder writes an outcome and the lead's terminal stage in one step.
type Recorder interface {
	RecordOutcome(ctx context.Context, id string, kind model.OutcomeKind, snapshot model.Breakdown) (model.OutcomeEvent, error)
}

// EventSource lists outcome events at or after since.
type EventSource interface {
	ListOutcomes(ctx context.Context, since time.Time) ([]model.OutcomeEvent, error)
}

// Tracker records outcomes through the ledger and reports on them.
type Tracker struct {
	recorder Recorder
	events   EventSource
	lookback time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker. A zero lookback reports over all history.
func NewTracker(recorder Recorder, events EventSource, lookback time.Duration) *Tracker {
	return &Tracker{
		recorder: recorder,
		events:   events,
		lookback: lookback,
		log:      zap.L().With(zap.String("component", "outcome")),
		now:      time.Now,
	}
}

// Record stores one terminal outcome for a lead.
func (t *Tracker) Record(ctx context.Context, leadID string, kind model.OutcomeKind, snapshot model.Breakdown) (model.OutcomeEvent, error) {
	return t.recorder.RecordOutcome(ctx, leadID, kind, snapshot)
}

// Since returns the start of the configured reporting window.
func (t *Tracker) Since() time.Time {
	if t.lookback <= 0 {
		return time.Time{}
	}
	return t.now().UTC().Add(-t.lookback)
}

// Events loads the outcome snapshot for the reporting window.
func (t *Tracker) Events(ctx context.Context) ([]model.OutcomeEvent, error) {
	events, err := t.events.ListOutcomes(ctx, t.Since())
	if err != nil {
		return nil, eris.Wrap(err, "outcome: list events")
	}
	return events, nil
}

// Report aggregates every event at or after since.
func (t *Tracker) Report(ctx context.Context, since time.Time) (Report, error) {
	events, err := t.events.ListOutcomes(ctx, since)
	if err != nil {
		return Report{}, eris.Wrap(err, "outcome: list events")
	}
	rep := Aggregate(events)
	rep.GeneratedAt = t.now().UTC()
	rep.Since = since
	return rep, nil
}

// LogReport builds the report for the reporting window and logs it.
func (t *Tracker) LogReport(ctx context.Context) (Report, error) {
	rep, err := t.Report(ctx, t.Since())
	if err != nil {
		return Report{}, err
	}

	g := rep.Global
	t.log.Info("outcome: report",
		zap.Int("total", g.Total),
		zap.Int("positive", g.Positive),
		zap.Int("replies", g.Replies),
		zap.Int("opt_outs", g.OptOuts),
		zap.Float64("positive_rate", g.PositiveRate),
		zap.Float64("reply_rate", g.ReplyRate),
		zap.Float64("opt_out_rate", g.OptOutRate),
	)
	for _, tier := range model.Tiers {
		r := rep.Tiers[tier]
		t.log.Info("outcome: tier",
			zap.String("tier", string(tier)),
			zap.Int("total", r.Total),
			zap.Float64("positive_rate", r.PositiveRate),
			zap.Float64("reply_rate", r.ReplyRate),
		)
	}
	for _, id := range rep.SignalIDs() {
		r := rep.Signals[id]
		t.log.Debug("outcome: signal",
			zap.String("signal_id", id),
			zap.Int("sample", r.Total),
			zap.Float64("positive_rate", r.PositiveRate),
			zap.Float64("opt_out_rate", r.OptOutRate),
		)
	}
	return rep, nil
}
