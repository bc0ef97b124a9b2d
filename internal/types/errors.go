package types

import "errors"

// Error taxonomy for the orchestration API. Callers classify failures with
// errors.Is; everything else is an internal error.
//
// Site failures and job handler failures are NOT part of this taxonomy:
// they are captured inside the record they belong to (SiteResult.Errors,
// Job.Error) and never propagate past their origin.
var (
	// ErrConflict: a duplicate active workflow, or a duplicate
	// non-terminal job for a (workflow, stage) pair.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState: the requested transition is not legal from the
	// record's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound: unknown workflow or job id.
	ErrNotFound = errors.New("not found")
)
