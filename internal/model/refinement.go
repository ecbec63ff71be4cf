package model

import "time"

// RefinementProposal is one signal's weight adjustment from a refinement cycle.
// Applied proposals are kept permanently; RollbackVersion is the version that
// was current before the cycle and restores the prior weights exactly.
type RefinementProposal struct {
	ID              string    `json:"id"`
	CycleID         string    `json:"cycle_id"`
	SignalID        string    `json:"signal_id"`
	OldWeight       float64   `json:"old_weight"`
	ProposedWeight  float64   `json:"proposed_weight"`
	SampleSize      int       `json:"sample_size"`
	Correlation     float64   `json:"correlation"`
	Lift            float64   `json:"lift"`
	Reason          string    `json:"reason,omitempty"`
	Applied         bool      `json:"applied"`
	Superseded      bool      `json:"superseded,omitempty"`
	AppliedVersion  int64     `json:"applied_version,omitempty"`
	RollbackVersion int64     `json:"rollback_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// Delta returns the proposed weight change.
func (p RefinementProposal) Delta() float64 {
	return p.ProposedWeight - p.OldWeight
}

// Change converts the proposal to a Signal Store weight change.
func (p RefinementProposal) Change() WeightChange {
	return WeightChange{SignalID: p.SignalID, OldWeight: p.OldWeight, NewWeight: p.ProposedWeight}
}
