package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

// mockLeads implements LeadSource for testing.
type mockLeads struct {
	leads []model.Lead
	err   error
}

func (m *mockLeads) List(_ context.Context, filter store.LeadFilter) ([]model.Lead, error) {
	if m.err != nil {
		return nil, m.err
	}
	sort.Slice(m.leads, func(i, j int) bool { return m.leads[i].ID < m.leads[j].ID })
	var out []model.Lead
	for _, l := range m.leads {
		if l.ID > filter.AfterID {
			out = append(out, l)
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// mockEvents implements EventSource for testing.
type mockEvents struct {
	events []model.OutcomeEvent
	err    error
}

func (m *mockEvents) Events(_ context.Context) ([]model.OutcomeEvent, error) {
	return m.events, m.err
}

// mockSuggestions implements SuggestionStore for testing.
type mockSuggestions struct {
	mu      sync.Mutex
	saved   []model.QuerySuggestion
	appends int
}

func (m *mockSuggestions) ListSuggestions(_ context.Context, _ bool, _ int) ([]model.QuerySuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.QuerySuggestion(nil), m.saved...), nil
}

func (m *mockSuggestions) AppendSuggestions(_ context.Context, s []model.QuerySuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	m.saved = append(m.saved, s...)
	return nil
}
