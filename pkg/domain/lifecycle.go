package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned for any status change outside the lifecycle graph.
var ErrIllegalTransition = errors.New("illegal study status transition")

// CanTransition reports whether from -> to is an edge of the study lifecycle:
//
//	draft -> analyzing -> completed
//	            |
//	            v
//	          error -> analyzing
//
// completed is terminal. Report edits on a completed study are field updates,
// not transitions.
func CanTransition(from, to StudyStatus) bool {
	switch from {
	case StudyDraft:
		return to == StudyAnalyzing
	case StudyAnalyzing:
		return to == StudyCompleted || to == StudyError
	case StudyError:
		return to == StudyAnalyzing
	case StudyCompleted:
		return false
	default:
		return false
	}
}

// ValidateTransition wraps ErrIllegalTransition with the offending edge.
func ValidateTransition(from, to StudyStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// AcceptsImages reports whether images may still be attached.
func (s StudyStatus) AcceptsImages() bool {
	return s == StudyDraft
}

// CanStartAnalysis reports whether an analysis attempt may begin from s.
func (s StudyStatus) CanStartAnalysis() bool {
	return CanTransition(s, StudyAnalyzing)
}
