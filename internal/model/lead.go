package model

import (
	"time"
)

// Tier is a discrete priority bucket derived from a lead's total score.
type Tier string

const (
	TierHighFit   Tier = "high_fit"
	TierMediumFit Tier = "medium_fit"
	TierLowFit    Tier = "low_fit"
)

// Tiers lists tiers from most to least desirable.
var Tiers = []Tier{TierHighFit, TierMediumFit, TierLowFit}

// SignalMatch records whether one signal matched a lead and what it contributed.
type SignalMatch struct {
	Matched      bool     `json:"matched"`
	Contribution float64  `json:"contribution"`
	Matches      []string `json:"matches,omitempty"`
}

// Breakdown maps signal id to its match result for a single scoring.
type Breakdown map[string]SignalMatch

// Clone returns a deep copy of b.
func (b Breakdown) Clone() Breakdown {
	if b == nil {
		return nil
	}
	out := make(Breakdown, len(b))
	for id, m := range b {
		if m.Matches != nil {
			m.Matches = append([]string(nil), m.Matches...)
		}
		out[id] = m
	}
	return out
}

// MatchedIDs returns ids of the signals that matched.
func (b Breakdown) MatchedIDs() []string {
	var ids []string
	for id, m := range b {
		if m.Matched {
			ids = append(ids, id)
		}
	}
	return ids
}

// Profile is descriptive lead metadata supplied by the scraping collaborator.
type Profile struct {
	Name        string   `json:"name,omitempty"`
	Industry    string   `json:"industry,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// IsZero reports whether the profile carries no data.
func (p Profile) IsZero() bool {
	return p.Name == "" && p.Industry == "" && p.Description == "" && len(p.Keywords) == 0
}

// Lead is one tracked company.
type Lead struct {
	ID                string     `json:"id"`
	Domain            string     `json:"domain"`
	Stage             Stage      `json:"stage"`
	Score             float64    `json:"score"`
	Tier              Tier       `json:"tier,omitempty"`
	Breakdown         Breakdown  `json:"breakdown,omitempty"`
	ScoredAt          *time.Time `json:"scored_at,omitempty"`
	ScoredWithVersion int64      `json:"scored_with_version"`
	Profile           Profile    `json:"profile"`
	Revision          int64      `json:"revision"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of l.
func (l Lead) Clone() Lead {
	out := l
	out.Breakdown = l.Breakdown.Clone()
	if l.ScoredAt != nil {
		t := *l.ScoredAt
		out.ScoredAt = &t
	}
	if l.Profile.Keywords != nil {
		out.Profile.Keywords = append([]string(nil), l.Profile.Keywords...)
	}
	return out
}

// HistoryKind classifies a lead history entry.
type HistoryKind string

const (
	HistoryDiscovered HistoryKind = "discovered"
	HistoryStage      HistoryKind = "stage"
	HistoryScore      HistoryKind = "score"
	HistoryRescore    HistoryKind = "rescore"
	HistoryReopen     HistoryKind = "reopen"
	HistoryOutcome    HistoryKind = "outcome"
)

// LeadHistoryEntry is an append-only audit row for a lead change.
type LeadHistoryEntry struct {
	ID        int64       `json:"id"`
	LeadID    string      `json:"lead_id"`
	Kind      HistoryKind `json:"kind"`
	FromStage Stage       `json:"from_stage,omitempty"`
	ToStage   Stage       `json:"to_stage"`
	Score     float64     `json:"score"`
	Tier      Tier        `json:"tier,omitempty"`
	Version   int64       `json:"version"`
	Note      string      `json:"note,omitempty"`
	At        time.Time   `json:"at"`
}

// EntersStage reports whether the entry moved the lead into ToStage.
func (h LeadHistoryEntry) EntersStage() bool {
	switch h.Kind {
	case HistoryDiscovered, HistoryReopen:
		return true
	case HistoryStage, HistoryScore, HistoryOutcome:
		return h.FromStage != h.ToStage
	default:
		return false
	}
}

// StageEntry records when a lead entered a stage.
type StageEntry struct {
	LeadID string    `json:"lead_id"`
	Stage  Stage     `json:"stage"`
	At     time.Time `json:"at"`
}
