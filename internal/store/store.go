package store

import (
	"context"
	"time"

	"github.com/sells-group/prospect-engine/internal/model"
)

// LeadFilter specifies criteria for listing leads. Zero fields are ignored.
type LeadFilter struct {
	Stage model.Stage `json:"stage,omitempty"`

	// VersionBelow and ScoredBefore select re-score candidates: scored leads
	// whose version is older than VersionBelow OR whose score predates
	// ScoredBefore. Either may be set alone.
	VersionBelow int64     `json:"version_below,omitempty"`
	ScoredBefore time.Time `json:"scored_before,omitempty"`

	// AfterID pages by lead id.
	AfterID string `json:"after_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ProposalFilter specifies criteria for listing refinement proposals.
type ProposalFilter struct {
	// PendingOnly keeps proposals that are neither applied nor superseded.
	PendingOnly bool   `json:"pending_only,omitempty"`
	CycleID     string `json:"cycle_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// LeadWrite is one atomic lead update. Lead.Revision must hold the revision
// that was read; the store bumps it on success and returns ErrStaleRevision
// when the row moved in between. History and Outcome, when set, are written in
// the same transaction.
type LeadWrite struct {
	Lead    model.Lead
	History *model.LeadHistoryEntry
	Outcome *model.OutcomeEvent
}

// Store defines the persistence interface for the prospecting engine.
type Store interface {
	// Signal sets
	LatestSignalSet(ctx context.Context) (*model.SignalSet, error)
	GetSignalSet(ctx context.Context, version int64) (*model.SignalSet, error)
	ListSignalVersions(ctx context.Context, limit int) ([]model.SignalVersionInfo, error)
	// AppendSignalSet inserts set as version ParentVersion+1 together with its
	// applied proposals. It returns *model.ConflictError when ParentVersion is
	// no longer the latest version.
	AppendSignalSet(ctx context.Context, set model.SignalSet, applied []model.RefinementProposal) error

	// Refinement proposals
	// SaveProposals stores a pending batch and marks every earlier pending
	// proposal superseded in the same transaction.
	SaveProposals(ctx context.Context, proposals []model.RefinementProposal) error
	ListProposals(ctx context.Context, filter ProposalFilter) ([]model.RefinementProposal, error)

	// Leads
	// InsertLeadIfAbsent inserts lead unless its domain already exists. It
	// returns the id of the lead that owns the domain and whether it was created.
	InsertLeadIfAbsent(ctx context.Context, lead model.Lead, history model.LeadHistoryEntry) (string, bool, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	GetLeadByDomain(ctx context.Context, domain string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)
	CountLeadsByStage(ctx context.Context) (map[model.Stage]int, error)
	WriteLead(ctx context.Context, w LeadWrite) (*model.Lead, error)
	LeadHistory(ctx context.Context, leadID string) ([]model.LeadHistoryEntry, error)
	HistorySince(ctx context.Context, since time.Time) ([]model.LeadHistoryEntry, error)

	// Outcomes
	ListOutcomes(ctx context.Context, since time.Time) ([]model.OutcomeEvent, error)

	// Health snapshots
	SaveSnapshot(ctx context.Context, snap model.PipelineSnapshot) error
	LatestSnapshot(ctx context.Context) (*model.PipelineSnapshot, error)

	// Query suggestions
	AppendSuggestions(ctx context.Context, suggestions []model.QuerySuggestion) error
	ListSuggestions(ctx context.Context, unconsumedOnly bool, limit int) ([]model.QuerySuggestion, error)
	MarkSuggestionsConsumed(ctx context.Context, ids []string) error

	// Task runs
	RecordTaskRun(ctx context.Context, run model.TaskRun) error
	ListTaskRuns(ctx context.Context, task string, limit int) ([]model.TaskRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
