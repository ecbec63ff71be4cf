package rescore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sells-group/prospect-engine/internal/ledger"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

// mockLedger implements Ledger for testing.
type mockLedger struct {
	mu       sync.Mutex
	leads    []model.Lead
	calls    []string
	failIDs  map[string]bool
	onCall   func(id string)
	reopened []string
}

func (m *mockLedger) List(_ context.Context, filter store.LeadFilter) ([]model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.Slice(m.leads, func(i, j int) bool { return m.leads[i].ID < m.leads[j].ID })
	var out []model.Lead
	for _, l := range m.leads {
		if l.ID <= filter.AfterID {
			continue
		}
		out = append(out, l)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockLedger) Rescore(_ context.Context, id string, set model.SignalSet, _ bool) (ledger.Change, error) {
	m.mu.Lock()
	m.calls = append(m.calls, id)
	fail := m.failIDs[id]
	onCall := m.onCall
	m.mu.Unlock()

	if onCall != nil {
		onCall(id)
	}
	if fail {
		return ledger.Change{}, errors.New("write failed")
	}
	return ledger.Change{LeadID: id, NewVersion: set.Version, Changed: true, Written: true}, nil
}

func (m *mockLedger) Reopen(_ context.Context, id, _ string) (*model.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reopened = append(m.reopened, id)
	return &model.Lead{ID: id, Stage: model.StageScored}, nil
}

func (m *mockLedger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// staticSignals implements SignalSource for testing.
type staticSignals struct {
	set model.SignalSet
}

func (s staticSignals) Current(_ context.Context) (model.SignalSet, error) {
	return s.set.Clone(), nil
}
