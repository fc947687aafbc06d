// Package job defines the verification job record: the central entity the
// consensus engine persists, mutates and reports on. A job tracks the
// quorum configuration, the votes collected from verifier participants
// and the per-participant solicitation retry state.
package job

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a verification job.
// The transition out of StatusRunning is monotonic: a job moves to
// exactly one of StatusFinalized or StatusCanceled and never back.
type Status string

const (
	// StatusRunning indicates the job is collecting votes.
	StatusRunning Status = "RUNNING"

	// StatusFinalized indicates the job reached quorum and carries a verdict.
	StatusFinalized Status = "FINALIZED"

	// StatusCanceled indicates an operator terminated the job.
	StatusCanceled Status = "CANCELED"
)

// Vote is a participant's signed assertion about the verification bundle.
// Votes are immutable once the job has left StatusRunning.
type Vote struct {
	ParticipantID string    `json:"participant_id"` // ParticipantID identifies the voting participant
	Affirmative   bool      `json:"affirmative"`    // Affirmative is the participant's verdict
	Signature     []byte    `json:"signature"`      // Signature is the BLS signature over the vote digest
	ReceivedAt    time.Time `json:"received_at"`    // ReceivedAt is when the vote was recorded
}

// RetryState tracks solicitation progress for one participant.
type RetryState struct {
	Attempts    int       `json:"attempts"`                // Attempts is the number of solicitation attempts made
	LastError   string    `json:"last_error,omitempty"`    // LastError is the most recent solicitation failure
	NextRetryAt time.Time `json:"next_retry_at,omitempty"` // NextRetryAt is the earliest time for the next attempt
	Exhausted   bool      `json:"exhausted"`               // Exhausted indicates solicitation gave up for this participant
}

// Verdict is the signed outcome stamped on a finalized job.
type Verdict struct {
	Signature []byte    `json:"signature"`       // Signature is the BLS signature over the verdict digest
	Forced    bool      `json:"forced"`          // Forced indicates an operator-forced finalization
	Actor     string    `json:"actor,omitempty"` // Actor is the operator for forced finalizations
	SignedAt  time.Time `json:"signed_at"`       // SignedAt is when the verdict was stamped
}

// Job is the durable record of one consensus job.
type Job struct {
	ID           string                 `json:"job_id"`                 // ID is the opaque unique job identifier
	BundleRef    string                 `json:"bundle_ref"`             // BundleRef references the verification bundle being judged
	Status       Status                 `json:"status"`                 // Status is the lifecycle state
	QuorumK      int                    `json:"quorum_k"`               // QuorumK is the required affirmative vote count
	QuorumN      int                    `json:"quorum_n"`               // QuorumN is the expected participant count
	Participants []string               `json:"participants"`           // Participants are the expected voters, fixed at creation
	Votes        map[string]Vote        `json:"votes"`                  // Votes maps participant ID to its recorded vote
	Retry        map[string]*RetryState `json:"retry_state"`            // Retry maps participant ID to solicitation progress
	StartedAt    time.Time              `json:"started_at"`             // StartedAt is the creation time
	LastUpdate   time.Time              `json:"last_update"`            // LastUpdate is stamped on every save
	FinalizedAt  time.Time              `json:"finalized_at,omitempty"` // FinalizedAt is when quorum was reached (zero if never)
	CanceledAt   time.Time              `json:"canceled_at,omitempty"`  // CanceledAt is when the job was canceled (zero if never)
	CancelReason string                 `json:"cancel_reason,omitempty"`
	CancelActor  string                 `json:"cancel_actor,omitempty"`
	Verdict      *Verdict               `json:"verdict,omitempty"` // Verdict is set only on finalized jobs

	// Resumed is true when this in-memory record was rebuilt from
	// storage after a restart. Diagnostic only, never persisted.
	Resumed bool `json:"-"`
}

// New creates a RUNNING job with empty vote and retry state.
func New(id, bundleRef string, quorumK, quorumN int, participants []string) (*Job, error) {
	if quorumK < 1 || quorumK > quorumN {
		return nil, fmt.Errorf("invalid quorum: k=%d n=%d (need 1 <= k <= n)", quorumK, quorumN)
	}

	if len(participants) == 0 {
		return nil, fmt.Errorf("no participants")
	}

	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" {
			return nil, fmt.Errorf("empty participant id")
		}
		if seen[p] {
			return nil, fmt.Errorf("duplicate participant %q", p)
		}
		seen[p] = true
	}

	now := time.Now().UTC()

	return &Job{
		ID:           id,
		BundleRef:    bundleRef,
		Status:       StatusRunning,
		QuorumK:      quorumK,
		QuorumN:      quorumN,
		Participants: append([]string(nil), participants...),
		Votes:        make(map[string]Vote),
		Retry:        make(map[string]*RetryState),
		StartedAt:    now,
		LastUpdate:   now,
	}, nil
}

// AffirmativeCount returns the number of distinct affirmative votes.
func (j *Job) AffirmativeCount() int {
	count := 0
	for _, v := range j.Votes {
		if v.Affirmative {
			count++
		}
	}
	return count
}

// QuorumMet reports whether the distinct affirmative votes reach QuorumK.
// Quorum is a set condition: vote arrival order never affects it.
func (j *Job) QuorumMet() bool {
	return j.AffirmativeCount() >= j.QuorumK
}

// HasParticipant reports whether id is one of the expected participants.
func (j *Job) HasParticipant(id string) bool {
	for _, p := range j.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// AffirmativeParticipants returns the sorted IDs of affirmative voters.
// The sorted order makes verdict digests independent of arrival order.
func (j *Job) AffirmativeParticipants() []string {
	var ids []string
	for id, v := range j.Votes {
		if v.Affirmative {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RetryFor returns the retry state for a participant, creating it if absent.
func (j *Job) RetryFor(participant string) *RetryState {
	rs, ok := j.Retry[participant]
	if !ok {
		rs = &RetryState{}
		j.Retry[participant] = rs
	}
	return rs
}

// TotalRetries returns the sum of recorded solicitation attempts.
func (j *Job) TotalRetries() int {
	total := 0
	for _, rs := range j.Retry {
		total += rs.Attempts
	}
	return total
}

// TotalErrors returns the number of participants with a recorded error.
func (j *Job) TotalErrors() int {
	total := 0
	for _, rs := range j.Retry {
		if rs.LastError != "" {
			total++
		}
	}
	return total
}

// Stalled reports whether a RUNNING job can no longer progress without
// operator intervention: every unvoted participant has exhausted its
// solicitation attempts.
func (j *Job) Stalled() bool {
	if j.Status != StatusRunning {
		return false
	}

	for _, p := range j.Participants {
		if _, voted := j.Votes[p]; voted {
			continue
		}

		rs, ok := j.Retry[p]
		if !ok || !rs.Exhausted {
			return false
		}
	}

	return true
}

// Clone returns a deep copy of the job.
// Mutations on the copy never affect the original.
func (j *Job) Clone() *Job {
	c := *j

	c.Participants = append([]string(nil), j.Participants...)

	c.Votes = make(map[string]Vote, len(j.Votes))
	for id, v := range j.Votes {
		v.Signature = append([]byte(nil), v.Signature...)
		c.Votes[id] = v
	}

	c.Retry = make(map[string]*RetryState, len(j.Retry))
	for id, rs := range j.Retry {
		rsCopy := *rs
		c.Retry[id] = &rsCopy
	}

	if j.Verdict != nil {
		v := *j.Verdict
		v.Signature = append([]byte(nil), j.Verdict.Signature...)
		c.Verdict = &v
	}

	return &c
}
