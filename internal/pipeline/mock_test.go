package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/refiner"
)

// fakeDiscoverer returns its candidates once and remembers the queries it was
// given.
type fakeDiscoverer struct {
	mu         sync.Mutex
	candidates []Candidate
	queries    [][]model.QuerySuggestion
}

func (f *fakeDiscoverer) Discover(_ context.Context, queries []model.QuerySuggestion) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queries)
	out := f.candidates
	f.candidates = nil
	return out, nil
}

// fakeExtractor serves profiles and breakdowns keyed by domain.
type fakeExtractor struct {
	profiles   map[string]model.Profile
	breakdowns map[string]model.Breakdown
	failScrape map[string]bool
}

func (f *fakeExtractor) Scrape(_ context.Context, lead model.Lead) (model.Profile, error) {
	if f.failScrape[lead.Domain] {
		return model.Profile{}, errors.New("fetch failed")
	}
	return f.profiles[lead.Domain], nil
}

func (f *fakeExtractor) Extract(_ context.Context, lead model.Lead, _ model.SignalSet) (model.Breakdown, error) {
	return f.breakdowns[lead.Domain].Clone(), nil
}

// fakeEnricher fails for listed domains.
type fakeEnricher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeEnricher) Enrich(_ context.Context, lead model.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lead.Domain)
	if f.fail[lead.Domain] {
		return errors.New("no decision maker found")
	}
	return nil
}

// fakeOutreacher records sends.
type fakeOutreacher struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeOutreacher) Send(_ context.Context, lead model.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, lead.Domain)
	return nil
}

// fakeInbox resolves outreached leads by domain on the first poll only.
type fakeInbox struct {
	mu       sync.Mutex
	byDomain map[string]model.OutcomeKind
	ids      func(domain string) string
}

func (f *fakeInbox) Poll(_ context.Context) ([]InboxOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []InboxOutcome
	for domain, kind := range f.byDomain {
		out = append(out, InboxOutcome{LeadID: f.ids(domain), Kind: kind})
	}
	f.byDomain = nil
	return out, nil
}

// failingRefiner always errors.
type failingRefiner struct{}

func (failingRefiner) Run(context.Context, bool) (refiner.Result, error) {
	return refiner.Result{}, errors.New("refiner exploded")
}
