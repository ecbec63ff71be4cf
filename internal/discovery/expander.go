// Package discovery mines leads that replied positively for tokens that set
// them apart from the wider population, and turns those tokens into new
// search queries for the external discovery collaborator.
package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/metrics"
	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

const (
	pageSize     = 500
	historyLimit = 10000
)

// LeadSource lists ledger leads.
type LeadSource interface {
	List(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error)
}

// EventSource provides outcome events.
type EventSource interface {
	Events(ctx context.Context) ([]model.OutcomeEvent, error)
}

// SuggestionStore persists query suggestions.
type SuggestionStore interface {
	ListSuggestions(ctx context.Context, unconsumedOnly bool, limit int) ([]model.QuerySuggestion, error)
	AppendSuggestions(ctx context.Context, suggestions []model.QuerySuggestion) error
}

// Result describes one expansion cycle.
type Result struct {
	CycleID     string                  `json:"cycle_id"`
	Positives   int                     `json:"positives"`
	Population  int                     `json:"population"`
	Ranked      []TokenScore            `json:"ranked"`
	Suggestions []model.QuerySuggestion `json:"suggestions"`
}

// Expander generates discovery queries from positive outcomes.
type Expander struct {
	leads       LeadSource
	events      EventSource
	suggestions SuggestionStore
	tok         *Tokenizer
	cfg         config.ExpanderConfig
	log         *zap.Logger
	now         func() time.Time
}

// NewExpander creates an Expander. Missing templates fall back to the
// defaults.
func NewExpander(leads LeadSource, events EventSource, suggestions SuggestionStore, cfg config.ExpanderConfig) *Expander {
	if len(cfg.Templates) == 0 {
		cfg.Templates = config.DefaultQueryTemplates
	}
	return &Expander{
		leads:       leads,
		events:      events,
		suggestions: suggestions,
		tok:         NewTokenizer(cfg.Stopwords),
		cfg:         cfg,
		log:         zap.L().With(zap.String("component", "expander")),
		now:         time.Now,
	}
}

// Run mines the current outcomes and appends any new suggestions. With no
// positive replies it returns an empty result and writes nothing.
func (e *Expander) Run(ctx context.Context) (Result, error) {
	res := Result{CycleID: uuid.NewString()}

	evs, err := e.events.Events(ctx)
	if err != nil {
		return res, eris.Wrap(err, "expander: load events")
	}
	winners := positiveSnapshots(evs)
	if len(winners) == 0 {
		e.log.Info("expander: no positive replies, nothing to expand")
		return res, nil
	}

	docs, err := e.population(ctx)
	if err != nil {
		return res, err
	}

	positive := make([]map[string]struct{}, 0, len(winners))
	for leadID, snapshot := range winners {
		doc := e.tok.Document(model.Profile{}, snapshot)
		for tok := range docs[leadID] {
			doc[tok] = struct{}{}
		}
		if len(doc) > 0 {
			positive = append(positive, doc)
		}
	}
	population := make([]map[string]struct{}, 0, len(docs))
	for _, d := range docs {
		population = append(population, d)
	}
	res.Positives, res.Population = len(positive), len(population)

	res.Ranked = Rank(positive, population, e.cfg.MinSupport)

	prior, err := e.suggestions.ListSuggestions(ctx, false, historyLimit)
	if err != nil {
		return res, eris.Wrap(err, "expander: load suggestion history")
	}
	history := make(map[string]struct{}, len(prior))
	for _, q := range prior {
		history[queryKey(q.Query)] = struct{}{}
	}

	res.Suggestions = BuildQueries(res.Ranked, e.cfg.Templates, e.cfg.MaxTokens, e.cfg.MaxQueries, history)
	if len(res.Suggestions) == 0 {
		e.log.Info("expander: no new queries",
			zap.Int("positives", res.Positives),
			zap.Int("ranked", len(res.Ranked)),
		)
		return res, nil
	}

	now := e.now().UTC()
	for i := range res.Suggestions {
		res.Suggestions[i].ID = uuid.NewString()
		res.Suggestions[i].CycleID = res.CycleID
		res.Suggestions[i].CreatedAt = now
	}
	if err := e.suggestions.AppendSuggestions(ctx, res.Suggestions); err != nil {
		return res, eris.Wrap(err, "expander: append suggestions")
	}
	metrics.Suggestions.Add(float64(len(res.Suggestions)))

	e.log.Info("expander: queries generated",
		zap.String("cycle_id", res.CycleID),
		zap.Int("positives", res.Positives),
		zap.Int("population", res.Population),
		zap.Int("queries", len(res.Suggestions)),
	)
	return res, nil
}

// population tokenizes every lead in the ledger, keyed by lead id. Leads with
// no usable tokens are left out.
func (e *Expander) population(ctx context.Context) (map[string]map[string]struct{}, error) {
	docs := make(map[string]map[string]struct{})
	filter := store.LeadFilter{Limit: pageSize}
	for {
		leads, err := e.leads.List(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "expander: list leads")
		}
		for _, l := range leads {
			if doc := e.tok.Document(l.Profile, l.Breakdown); len(doc) > 0 {
				docs[l.ID] = doc
			}
		}
		if len(leads) < pageSize {
			return docs, nil
		}
		filter.AfterID = leads[len(leads)-1].ID
	}
}

// positiveSnapshots returns the send-time breakdown of each lead with a
// positive reply. A lead with several positive events counts once.
func positiveSnapshots(evs []model.OutcomeEvent) map[string]model.Breakdown {
	out := make(map[string]model.Breakdown)
	for _, ev := range evs {
		if ev.Kind != model.OutcomePositiveReply {
			continue
		}
		if _, ok := out[ev.LeadID]; !ok {
			out[ev.LeadID] = ev.Breakdown
		}
	}
	return out
}
