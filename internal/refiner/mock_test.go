package refiner

import (
	"context"
	"sync"

	"github.com/sells-group/prospect-engine/internal/model"
)

// mockSignals implements SignalWriter for testing. conflicts makes the
// first n applies fail as if another writer won.
type mockSignals struct {
	mu        sync.Mutex
	set       model.SignalSet
	conflicts int
	applied   [][]model.WeightChange
	proposals [][]model.RefinementProposal
	reads     int
}

func (m *mockSignals) Current(_ context.Context) (model.SignalSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.set.Clone(), nil
}

func (m *mockSignals) ProposeAndApply(_ context.Context, base int64, changes []model.WeightChange, proposals []model.RefinementProposal, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		m.set.Version++
		return 0, &model.ConflictError{BaseVersion: base, CurrentVersion: m.set.Version}
	}
	if base != m.set.Version {
		return 0, &model.ConflictError{BaseVersion: base, CurrentVersion: m.set.Version}
	}
	m.applied = append(m.applied, changes)
	m.proposals = append(m.proposals, proposals)
	m.set.Version++
	for _, c := range changes {
		def := m.set.Signals[c.SignalID]
		def.Weight = c.NewWeight
		m.set.Signals[c.SignalID] = def
	}
	return m.set.Version, nil
}

func (m *mockSignals) Bounds() (float64, float64) { return 0, 20 }

// mockEvents implements EventLoader for testing.
type mockEvents struct {
	events []model.OutcomeEvent
}

func (m *mockEvents) Events(_ context.Context) ([]model.OutcomeEvent, error) {
	return m.events, nil
}

// mockProposals implements ProposalSaver for testing.
type mockProposals struct {
	saved []model.RefinementProposal
}

func (m *mockProposals) SaveProposals(_ context.Context, proposals []model.RefinementProposal) error {
	m.saved = append(m.saved, proposals...)
	return nil
}
