package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for the job state machine. Callers match them with
// errors.Is; every mutation either returns an updated job record or one
// of these, never a silent no-op.
var (
	// ErrNotFound indicates an unknown job ID.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob indicates a job ID collision at creation.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrJobNotRunning indicates a mutation attempted on a terminal job.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrQuorumNotMet indicates a forced finalization without sufficient
	// affirmative votes.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrDuplicateParticipant indicates a repeated vote under a policy
	// that disallows revision.
	ErrDuplicateParticipant = errors.New("participant already voted")

	// ErrUnknownParticipant indicates a vote from outside the job's
	// participant set.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrInvalidSignature indicates a vote whose BLS signature does not
	// verify against the participant's registered key.
	ErrInvalidSignature = errors.New("invalid vote signature")
)

// DurabilityError wraps a failed persistence write. Operations that hit
// one must abort and report it, never proceed as if the save succeeded.
type DurabilityError struct {
	JobID string // JobID is the job whose save failed
	Err   error  // Err is the underlying storage error
}

// Error implements the error interface.
func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure for job %s: %v", e.JobID, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *DurabilityError) Unwrap() error {
	return e.Err
}

// SolicitationError records a transport or timeout failure for one
// participant. It is participant-scoped: absorbed into retry state and
// retried, never propagated as a job-level failure.
type SolicitationError struct {
	ParticipantID string // ParticipantID is the participant that failed
	Attempt       int    // Attempt is the attempt number that failed
	Err           error  // Err is the underlying transport error
}

// Error implements the error interface.
func (e *SolicitationError) Error() string {
	return fmt.Sprintf("solicitation of %s failed (attempt %d): %v", e.ParticipantID, e.Attempt, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *SolicitationError) Unwrap() error {
	return e.Err
}
