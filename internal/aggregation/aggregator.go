// Package aggregation merges incoming signed votes into job records and
// evaluates quorum. Reaching quorum here is the only path to automatic
// finalization; the forced path reuses the same stamping logic.
package aggregation

import (
	"time"

	"VeriMesh/internal/archive"
	"VeriMesh/internal/audit"
	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/logger"
	"VeriMesh/internal/report"
)

// RevisionPolicy controls repeated votes from the same participant.
type RevisionPolicy int

const (
	// RevisionAllowed lets a new vote replace the participant's prior
	// one while the job is still RUNNING. This is the default.
	RevisionAllowed RevisionPolicy = iota

	// RevisionDenied rejects a second vote from the same participant
	// with job.ErrDuplicateParticipant.
	RevisionDenied
)

// Aggregator merges votes into jobs and drives finalization.
type Aggregator struct {
	store  *jobstore.Store  // store is the single write path for job records
	signer *BLSKeyPair      // signer stamps verdict signatures
	keys   *KeyDirectory    // keys holds registered participant BLS public keys
	policy RevisionPolicy   // policy controls vote revision
	sink   audit.Sink       // sink receives finalization audit events
	arch   *archive.Archive // arch retains finalized jobs indefinitely
	feed   *report.Feed     // feed broadcasts job-state snapshots
}

// New creates an Aggregator with the default revision policy.
func New(store *jobstore.Store, signer *BLSKeyPair, keys *KeyDirectory, sink audit.Sink, arch *archive.Archive, feed *report.Feed) *Aggregator {
	return &Aggregator{
		store:  store,
		signer: signer,
		keys:   keys,
		policy: RevisionAllowed,
		sink:   sink,
		arch:   arch,
		feed:   feed,
	}
}

// SetRevisionPolicy overrides the vote revision policy.
func (a *Aggregator) SetRevisionPolicy(p RevisionPolicy) {
	a.policy = p
}

// SubmitVote merges one vote into a job under the job's serialization
// lock and persists the result before returning.
//
// Returns job.ErrJobNotRunning for terminal jobs (the rejection is
// observable, never a silent drop), job.ErrUnknownParticipant for voters
// outside the participant set, and job.ErrDuplicateParticipant when the
// revision policy denies a repeat vote. If the distinct affirmative
// count reaches quorum the job transitions to FINALIZED with a signed
// verdict in the same durable save.
func (a *Aggregator) SubmitVote(jobID string, vote job.Vote) (*job.Job, error) {
	finalized := false

	updated, err := a.store.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return job.ErrJobNotRunning
		}

		if !j.HasParticipant(vote.ParticipantID) {
			return job.ErrUnknownParticipant
		}

		if _, voted := j.Votes[vote.ParticipantID]; voted && a.policy == RevisionDenied {
			return job.ErrDuplicateParticipant
		}

		if err := a.verifyVote(j, &vote); err != nil {
			return err
		}

		if vote.ReceivedAt.IsZero() {
			vote.ReceivedAt = time.Now().UTC()
		}

		j.Votes[vote.ParticipantID] = vote

		if j.QuorumMet() {
			a.finalize(j, false, "")
			finalized = true
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if finalized {
		a.announceFinalized(updated, audit.EventFinalized)
	} else {
		a.feed.Publish(updated)
	}

	logger.Debug("vote recorded",
		"job", jobID,
		"participant", vote.ParticipantID,
		"affirmative", vote.Affirmative,
		"status", updated.Status,
	)

	return updated, nil
}

// ForceFinalize performs the operator-forced finalization path. It is
// identical to automatic finalization except the verdict is tagged with
// the forcing actor. Requires the quorum condition to already hold.
func (a *Aggregator) ForceFinalize(jobID, actor string) (*job.Job, error) {
	updated, err := a.store.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return job.ErrJobNotRunning
		}

		if !j.QuorumMet() {
			return job.ErrQuorumNotMet
		}

		a.finalize(j, true, actor)

		return nil
	})
	if err != nil {
		return nil, err
	}

	a.announceFinalized(updated, audit.EventForceFinalized)

	logger.Info("job force-finalized", "job", jobID, "actor", actor)

	return updated, nil
}

// verifyVote checks the vote's BLS signature when the participant has a
// registered key. Participants without a registered key are accepted
// unverified.
func (a *Aggregator) verifyVote(j *job.Job, vote *job.Vote) error {
	if a.keys == nil {
		return nil
	}

	pubkey := a.keys.Lookup(vote.ParticipantID)
	if pubkey == nil {
		return nil
	}

	digest := VoteDigest(j.ID, j.BundleRef, vote.ParticipantID, vote.Affirmative)

	if !Verify(vote.Signature, digest[:], pubkey) {
		return job.ErrInvalidSignature
	}

	return nil
}

// finalize stamps the terminal FINALIZED state and the verdict
// signature. The verdict digest covers the sorted affirmative voter set,
// so identical vote sets always produce identical verdicts.
func (a *Aggregator) finalize(j *job.Job, forced bool, actor string) {
	digest := VerdictDigest(j)
	now := time.Now().UTC()

	j.Status = job.StatusFinalized
	j.FinalizedAt = now
	j.Verdict = &job.Verdict{
		Signature: a.signer.Sign(digest[:]),
		Forced:    forced,
		Actor:     actor,
		SignedAt:  now,
	}
}

// announceFinalized emits the post-finalization side effects: archive
// retention, audit append and a feed snapshot. Failures here are logged,
// not propagated: the durable state transition already happened.
func (a *Aggregator) announceFinalized(j *job.Job, eventType string) {
	if err := a.arch.Store(j); err != nil {
		logger.Error("archive finalized job", "job", j.ID, "error", err)
	}

	payload := map[string]any{
		"affirmative": j.AffirmativeCount(),
		"quorum_k":    j.QuorumK,
		"forced":      j.Verdict.Forced,
	}
	if j.Verdict.Actor != "" {
		payload["actor"] = j.Verdict.Actor
	}

	if err := a.sink.Append(j.ID, eventType, payload); err != nil {
		logger.Error("audit finalized job", "job", j.ID, "error", err)
	}

	a.feed.Publish(j)
}
