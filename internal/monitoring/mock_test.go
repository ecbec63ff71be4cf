package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/prospect-engine/internal/model"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	history   []model.LeadHistoryEntry
	counts    map[model.Stage]int
	runs      []model.TaskRun
	snapshots []model.PipelineSnapshot
	since     time.Time
	saveErr   error
	countErr  error
}

func (m *mockStore) HistorySince(_ context.Context, since time.Time) ([]model.LeadHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = since
	var out []model.LeadHistoryEntry
	for _, h := range m.history {
		if !h.At.Before(since) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockStore) CountLeadsByStage(_ context.Context) (map[model.Stage]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return nil, m.countErr
	}
	out := make(map[model.Stage]int, len(m.counts))
	for st, n := range m.counts {
		out[st] = n
	}
	return out, nil
}

func (m *mockStore) ListTaskRuns(_ context.Context, task string, limit int) ([]model.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TaskRun
	for _, r := range m.runs {
		if task != "" && r.Task != task {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockStore) SaveSnapshot(_ context.Context, snap model.PipelineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *mockStore) LatestSnapshot(_ context.Context) (*model.PipelineSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	s := m.snapshots[len(m.snapshots)-1]
	return &s, nil
}

// mockNotifier records delivered alerts.
type mockNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *mockNotifier) Notify(_ context.Context, alerts []Alert) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alerts...)
	return len(alerts)
}
