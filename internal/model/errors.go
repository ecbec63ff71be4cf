package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a lead, signal version or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is matched by *ConflictError via errors.Is.
	ErrVersionConflict = errors.New("signal version conflict")

	// ErrStaleRevision means a lead row changed between read and write.
	ErrStaleRevision = errors.New("lead revision changed")

	// ErrValidation is matched by *ValidationError and *InvalidDeltaError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is matched by *InvalidTransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrRefinementAborted is matched by *RefinementAbortedError via errors.Is.
	ErrRefinementAborted = errors.New("refinement aborted")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports that a Signal Store write was based on a stale version.
// Callers re-read the current version before retrying.
type ConflictError struct {
	BaseVersion    int64
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("signal version conflict: base %d, current %d", e.BaseVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

// InvalidDeltaError reports a weight change outside the hard bounds or for an
// unknown signal.
type InvalidDeltaError struct {
	SignalID  string
	OldWeight float64
	NewWeight float64
	Reason    string
}

func (e *InvalidDeltaError) Error() string {
	return fmt.Sprintf("invalid delta for %s (%.2f -> %.2f): %s", e.SignalID, e.OldWeight, e.NewWeight, e.Reason)
}

func (e *InvalidDeltaError) Is(target error) bool { return target == ErrValidation }

// InvalidTransitionError reports a stage move the state machine forbids.
type InvalidTransitionError struct {
	LeadID string
	From   Stage
	To     Stage
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for lead %s: %s -> %s", e.LeadID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// RefinementAbortedError reports a refinement cycle rejected as a whole because
// one proposal was invalid. Proposals holds the full batch for operator review.
type RefinementAbortedError struct {
	SignalID  string
	Reason    string
	Proposals []RefinementProposal
}

func (e *RefinementAbortedError) Error() string {
	return fmt.Sprintf("refinement aborted: signal %s: %s (%d proposals discarded)", e.SignalID, e.Reason, len(e.Proposals))
}

func (e *RefinementAbortedError) Is(target error) bool { return target == ErrRefinementAborted }

// Errors joins several validation problems into one ValidationError.
func Errors(field string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return NewValidationError(field, strings.Join(problems, "; "))
}
