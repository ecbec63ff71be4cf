package outcome

import (
	"context"
	"time"

	"github.com/sells-group/prospect-engine/internal/model"
)

// mockRecorder implements Recorder for testing.
type mockRecorder struct {
	recorded []model.OutcomeKind
	err      error
}

func (m *mockRecorder) RecordOutcome(_ context.Context, id string, kind model.OutcomeKind, snapshot model.Breakdown) (model.OutcomeEvent, error) {
	if m.err != nil {
		return model.OutcomeEvent{}, m.err
	}
	m.recorded = append(m.recorded, kind)
	return model.OutcomeEvent{ID: "ev-1", LeadID: id, Kind: kind, Breakdown: snapshot.Clone()}, nil
}

// mockEvents implements EventSource for testing.
type mockEvents struct {
	events    []model.OutcomeEvent
	lastSince time.Time
	err       error
}

func (m *mockEvents) ListOutcomes(_ context.Context, since time.Time) ([]model.OutcomeEvent, error) {
	m.lastSince = since
	if m.err != nil {
		return nil, m.err
	}
	var out []model.OutcomeEvent
	for _, ev := range m.events {
		if !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}
