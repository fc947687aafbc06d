package admin

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"VeriMesh/internal/aggregation"
	"VeriMesh/internal/archive"
	"VeriMesh/internal/audit"
	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/report"
	"VeriMesh/internal/storage"
)

// testEnv bundles a control surface with its collaborators.
type testEnv struct {
	ctl   *Control
	store *jobstore.Store
	agg   *aggregation.Aggregator
	feed  *report.Feed
}

// newTestEnv creates a control surface over a temporary database.
// Only "operator" is on the allow list.
func newTestEnv(t *testing.T) (*testEnv, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "admin-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.Open(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open storage: %v", err)
	}

	signer, err := aggregation.GenerateBLSKeyFromSeed(bytes.Repeat([]byte{0x17}, 32))
	if err != nil {
		db.Close()
		os.RemoveAll(dir)
		t.Fatalf("failed to generate signer key: %v", err)
	}

	env := &testEnv{
		store: jobstore.New(db),
		feed:  report.NewFeed(),
	}
	env.agg = aggregation.New(env.store, signer, nil, audit.NopSink{}, archive.New(db), env.feed)
	env.ctl = New(env.store, AllowList{"operator": true}, env.agg, audit.NopSink{}, env.feed)

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return env, cleanup
}

func TestCancelPreservesVotes(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	if _, err := env.store.Create("job-1", "bundle-1", 2, 3, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.agg.SubmitVote("job-1", job.Vote{ParticipantID: "A", Affirmative: true}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	sub := env.feed.Subscribe()
	defer env.feed.Unsubscribe(sub)

	j, err := env.ctl.Cancel("job-1", "operator", "stale bundle")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if j.Status != job.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", j.Status)
	}

	if j.CanceledAt.IsZero() || j.CancelActor != "operator" || j.CancelReason != "stale bundle" {
		t.Errorf("cancellation stamp = actor %q reason %q at %v", j.CancelActor, j.CancelReason, j.CanceledAt)
	}

	// The recorded vote survives cancellation for audit.
	if len(j.Votes) != 1 || !j.Votes["A"].Affirmative {
		t.Errorf("votes after cancel = %+v", j.Votes)
	}

	select {
	case snap := <-sub:
		if snap.Job.Status != job.StatusCanceled {
			t.Errorf("feed snapshot status = %s", snap.Job.Status)
		}
	default:
		t.Error("cancellation not published to the feed")
	}

	// A vote after cancellation is rejected, never dropped silently.
	_, err = env.agg.SubmitVote("job-1", job.Vote{ParticipantID: "B", Affirmative: true})
	if !errors.Is(err, job.ErrJobNotRunning) {
		t.Errorf("post-cancel vote error = %v, want ErrJobNotRunning", err)
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	if _, err := env.store.Create("job-1", "bundle-1", 1, 1, []string{"A"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.ctl.Cancel("job-1", "operator", "first"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Cancellation is not idempotent: the second attempt is an error.
	_, err := env.ctl.Cancel("job-1", "operator", "second")
	if !errors.Is(err, job.ErrJobNotRunning) {
		t.Errorf("double cancel error = %v, want ErrJobNotRunning", err)
	}

	loaded, err := env.store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.CancelReason != "first" {
		t.Errorf("cancel reason overwritten: %q", loaded.CancelReason)
	}
}

func TestCancelFinalizedJobRejected(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	if _, err := env.store.Create("job-1", "bundle-1", 1, 1, []string{"A"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.agg.SubmitVote("job-1", job.Vote{ParticipantID: "A", Affirmative: true}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	if _, err := env.ctl.Cancel("job-1", "operator", "too late"); !errors.Is(err, job.ErrJobNotRunning) {
		t.Errorf("cancel of finalized job error = %v, want ErrJobNotRunning", err)
	}
}

func TestForceFinalizeRequiresQuorum(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	if _, err := env.store.Create("job-1", "bundle-1", 2, 3, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.agg.SubmitVote("job-1", job.Vote{ParticipantID: "A", Affirmative: true}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	// One of two required affirmatives: forcing must fail.
	if _, err := env.ctl.ForceFinalize("job-1", "operator"); !errors.Is(err, job.ErrQuorumNotMet) {
		t.Errorf("force below quorum error = %v, want ErrQuorumNotMet", err)
	}

	if _, err := env.agg.SubmitVote("job-1", job.Vote{ParticipantID: "B", Affirmative: false}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	// Negative votes never count toward quorum.
	if _, err := env.ctl.ForceFinalize("job-1", "operator"); !errors.Is(err, job.ErrQuorumNotMet) {
		t.Errorf("force with negative votes error = %v, want ErrQuorumNotMet", err)
	}

	if _, err := env.agg.SubmitVote("job-1", job.Vote{ParticipantID: "C", Affirmative: true}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	// C's affirmative reached quorum and the job auto-finalized, so
	// forcing now hits the terminal guard instead.
	if _, err := env.ctl.ForceFinalize("job-1", "operator"); !errors.Is(err, job.ErrJobNotRunning) {
		t.Errorf("force after auto-finalize error = %v, want ErrJobNotRunning", err)
	}
}

func TestForceFinalizeTagsActor(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	// k=1 met, but n=2 keeps the job waiting: the canonical forcing case.
	if _, err := env.store.Create("job-1", "bundle-1", 1, 2, []string{"A", "B"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	j, err := env.store.Update("job-1", func(j *job.Job) error {
		j.Votes["A"] = job.Vote{ParticipantID: "A", Affirmative: true}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if !j.QuorumMet() {
		t.Fatal("fixture does not hold quorum")
	}

	forced, err := env.ctl.ForceFinalize("job-1", "operator")
	if err != nil {
		t.Fatalf("ForceFinalize failed: %v", err)
	}

	if forced.Status != job.StatusFinalized {
		t.Errorf("status = %s, want FINALIZED", forced.Status)
	}

	if forced.Verdict == nil || !forced.Verdict.Forced || forced.Verdict.Actor != "operator" {
		t.Errorf("verdict = %+v, want forced by operator", forced.Verdict)
	}
}

func TestUnauthorizedActorDenied(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	if _, err := env.store.Create("job-1", "bundle-1", 1, 1, []string{"A"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := env.ctl.Cancel("job-1", "intruder", "because"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cancel by unknown actor error = %v, want ErrUnauthorized", err)
	}

	if _, err := env.ctl.ForceFinalize("job-1", "intruder"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("force by unknown actor error = %v, want ErrUnauthorized", err)
	}

	loaded, err := env.store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Status != job.StatusRunning {
		t.Errorf("status after denied overrides = %s, want RUNNING", loaded.Status)
	}
}

// erroringAuth fails every check with an error.
type erroringAuth struct{}

func (erroringAuth) Authorize(string, string, string) (bool, error) {
	return true, fmt.Errorf("directory unreachable")
}

func TestAuthorizationFailsClosed(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	if _, err := env.store.Create("job-1", "bundle-1", 1, 1, []string{"A"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// An authorizer error denies even when ok=true.
	ctl := New(env.store, erroringAuth{}, env.agg, audit.NopSink{}, env.feed)

	if _, err := ctl.Cancel("job-1", "operator", "r"); err == nil {
		t.Error("cancel succeeded despite authorizer error")
	}

	// A nil authorizer denies everything.
	ctl = New(env.store, nil, env.agg, audit.NopSink{}, env.feed)

	if _, err := ctl.Cancel("job-1", "operator", "r"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cancel with nil authorizer error = %v, want ErrUnauthorized", err)
	}
}
