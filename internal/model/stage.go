package model

import (
	"fmt"
	"strings"
)

// Stage is a lead's position in the prospecting pipeline.
type Stage string

const (
	StageDiscovered Stage = "discovered"
	StageScraped    Stage = "scraped"
	StageScored     Stage = "scored"
	StageEnriched   Stage = "enriched"
	StageOutreached Stage = "outreached"
	StageReplied    Stage = "replied"
	StageOptedOut   Stage = "opted_out"
	StageStale      Stage = "stale"
)

// Stages lists every stage in pipeline order. Terminal stages come last.
var Stages = []Stage{
	StageDiscovered,
	StageScraped,
	StageScored,
	StageEnriched,
	StageOutreached,
	StageReplied,
	StageOptedOut,
	StageStale,
}

// transitions is the forward-only adjacency of the stage machine.
var transitions = map[Stage][]Stage{
	StageDiscovered: {StageScraped},
	StageScraped:    {StageScored},
	StageScored:     {StageEnriched},
	StageEnriched:   {StageOutreached},
	StageOutreached: {StageReplied, StageOptedOut, StageStale},
}

// ParseStage validates a raw stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", NewValidationError("stage", fmt.Sprintf("unknown stage %q", s))
	}
	return st, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the outreach cycle.
func (s Stage) IsTerminal() bool {
	return s == StageReplied || s == StageOptedOut || s == StageStale
}

// HasScore reports whether a lead in stage s carries a recorded score.
func (s Stage) HasScore() bool {
	switch s {
	case StageDiscovered, StageScraped:
		return false
	default:
		return s.Valid()
	}
}

// Next returns the stages reachable from s by a single forward step.
func (s Stage) Next() []Stage {
	return transitions[s]
}

// CanAdvanceTo reports whether target is an adjacent forward step from s.
// The re-scoring reset to Scored is not a transition; see Ledger.Reopen.
func (s Stage) CanAdvanceTo(target Stage) bool {
	for _, n := range s.Next() {
		if n == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an *InvalidTransitionError unless from→to is allowed.
func ValidateTransition(leadID string, from, to Stage) error {
	if !to.Valid() {
		return NewValidationError("stage", "unknown target stage "+string(to))
	}
	if !from.CanAdvanceTo(to) {
		err := &InvalidTransitionError{LeadID: leadID, From: from, To: to}
		if next := from.Next(); len(next) == 0 {
			err.Reason = string(from) + " is terminal"
		} else {
			names := make([]string, len(next))
			for i, st := range next {
				names[i] = string(st)
			}
			err.Reason = "next stage must be one of " + strings.Join(names, ", ")
		}
		return err
	}
	return nil
}

// StagePair is an adjacent (from, to) edge of the stage machine.
type StagePair struct {
	From Stage `json:"from"`
	To   Stage `json:"to"`
}

// AdjacentPairs returns every edge of the stage machine in pipeline order.
func AdjacentPairs() []StagePair {
	var pairs []StagePair
	for _, from := range Stages {
		for _, to := range transitions[from] {
			pairs = append(pairs, StagePair{From: from, To: to})
		}
	}
	return pairs
}
