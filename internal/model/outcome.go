package model

import (
	"fmt"
	"time"
)

// OutcomeKind is the terminal result of an outreach attempt.
type OutcomeKind string

const (
	OutcomePositiveReply OutcomeKind = "positive_reply"
	OutcomeDeferral      OutcomeKind = "deferral"
	OutcomeReferral      OutcomeKind = "referral"
	OutcomeOptOut        OutcomeKind = "opt_out"
	OutcomeSilence       OutcomeKind = "silence"
)

// OutcomeKinds lists every outcome kind.
var OutcomeKinds = []OutcomeKind{
	OutcomePositiveReply,
	OutcomeDeferral,
	OutcomeReferral,
	OutcomeOptOut,
	OutcomeSilence,
}

// ParseOutcomeKind validates a raw outcome kind.
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	k := OutcomeKind(s)
	if _, ok := outcomeStages[k]; !ok {
		return "", NewValidationError("kind", fmt.Sprintf("unknown outcome kind %q", s))
	}
	return k, nil
}

var outcomeStages = map[OutcomeKind]Stage{
	OutcomePositiveReply: StageReplied,
	OutcomeDeferral:      StageReplied,
	OutcomeReferral:      StageReplied,
	OutcomeOptOut:        StageOptedOut,
	OutcomeSilence:       StageStale,
}

// TerminalStage returns the stage a lead moves to when k is recorded.
func (k OutcomeKind) TerminalStage() Stage {
	return outcomeStages[k]
}

// IsReply reports whether the prospect answered at all.
func (k OutcomeKind) IsReply() bool {
	return k == OutcomePositiveReply || k == OutcomeDeferral || k == OutcomeReferral
}

// OutcomeEvent is an immutable record of one terminal outreach resolution.
// Breakdown is a copy taken at send time and never follows later weight changes.
type OutcomeEvent struct {
	ID            string      `json:"id"`
	LeadID        string      `json:"lead_id"`
	Kind          OutcomeKind `json:"kind"`
	OccurredAt    time.Time   `json:"occurred_at"`
	Breakdown     Breakdown   `json:"breakdown"`
	TierAtSend    Tier        `json:"tier_at_send,omitempty"`
	ScoreAtSend   float64     `json:"score_at_send"`
	VersionAtSend int64       `json:"version_at_send"`
}
