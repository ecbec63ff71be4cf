package pipeline

import (
	"context"

	"github.com/sells-group/prospect-engine/internal/model"
)

// Candidate is a company found by the discovery collaborator.
type Candidate struct {
	Domain  string        `json:"domain"`
	Profile model.Profile `json:"profile"`
}

// Discoverer turns search queries into candidate companies.
type Discoverer interface {
	Discover(ctx context.Context, queries []model.QuerySuggestion) ([]Candidate, error)
}

// SignalExtractor scrapes a lead's web presence and evaluates it against the
// current signal set.
type SignalExtractor interface {
	Scrape(ctx context.Context, lead model.Lead) (model.Profile, error)
	Extract(ctx context.Context, lead model.Lead, set model.SignalSet) (model.Breakdown, error)
}

// Enricher resolves decision makers for a scored lead.
type Enricher interface {
	Enrich(ctx context.Context, lead model.Lead) error
}

// Outreacher drafts and sends the first message to an enriched lead.
type Outreacher interface {
	Send(ctx context.Context, lead model.Lead) error
}

// InboxOutcome is a classified reply, or the absence of one, for a lead.
// Snapshot is the breakdown the message was sent with; nil uses the lead's
// breakdown at recording time.
type InboxOutcome struct {
	LeadID   string            `json:"lead_id"`
	Kind     model.OutcomeKind `json:"kind"`
	Snapshot model.Breakdown   `json:"snapshot,omitempty"`
}

// InboxMonitor polls for resolved outreach.
type InboxMonitor interface {
	Poll(ctx context.Context) ([]InboxOutcome, error)
}
