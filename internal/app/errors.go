package app

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidState       = errors.New("invalid study state")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrConflict           = errors.New("study was modified concurrently")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthorized       = errors.New("unauthorized")
	// ErrCollaboratorFailure covers the analysis model, chat model and PDF renderer.
	ErrCollaboratorFailure = errors.New("external collaborator failure")
	ErrAnalysisTimeout     = fmt.Errorf("analysis timed out: %w", ErrCollaboratorFailure)
)
