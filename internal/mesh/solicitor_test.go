package mesh

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/storage"
)

// fastConfig is a retry policy scaled down for tests.
func fastConfig() SolicitorConfig {
	return SolicitorConfig{
		BaseDelay:      time.Millisecond,
		Multiplier:     1.6,
		JitterMax:      0,
		MaxAttempts:    6,
		RequestTimeout: 100 * time.Millisecond,
	}
}

// fakeTransport answers solicitations from a scripted function.
type fakeTransport struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(participant string, call int) ([]byte, error)
}

func newFakeTransport(respond func(participant string, call int) ([]byte, error)) *fakeTransport {
	return &fakeTransport{
		calls:   make(map[string]int),
		respond: respond,
	}
}

func (f *fakeTransport) Solicit(_ context.Context, participant string, _ *SolicitRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls[participant]++
	call := f.calls[participant]
	f.mu.Unlock()

	return f.respond(participant, call)
}

func (f *fakeTransport) callCount(participant string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[participant]
}

// recordingSink records votes straight into the store, without quorum
// evaluation. Solicitor behavior does not depend on finalization.
type recordingSink struct {
	store *jobstore.Store
}

func (r *recordingSink) SubmitVote(jobID string, vote job.Vote) (*job.Job, error) {
	return r.store.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return job.ErrJobNotRunning
		}

		j.Votes[vote.ParticipantID] = vote

		return nil
	})
}

// newTestStore creates a job store over a temporary database.
func newTestStore(t *testing.T) (*jobstore.Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "solicitor-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.Open(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open storage: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return jobstore.New(db), cleanup
}

func TestRetryExhaustion(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	j, err := store.Create("job-1", "bundle-1", 1, 1, []string{"A"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	transport := newFakeTransport(func(string, int) ([]byte, error) {
		return nil, fmt.Errorf("connection refused")
	})

	sol := NewSolicitor(store, &recordingSink{store: store}, transport, fastConfig())

	// A second Solicit while the loop is active must not double-solicit.
	sol.Solicit(context.Background(), j)
	sol.Solicit(context.Background(), j)
	sol.Wait()

	if got := transport.callCount("A"); got != 6 {
		t.Errorf("transport called %d times, want exactly 6", got)
	}

	loaded, err := store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	rs := loaded.Retry["A"]
	if rs == nil {
		t.Fatal("no retry state recorded")
	}

	if rs.Attempts != 6 {
		t.Errorf("attempts = %d, want 6", rs.Attempts)
	}

	if !rs.Exhausted {
		t.Error("participant not marked exhausted")
	}

	if rs.LastError == "" {
		t.Error("terminal error not recorded")
	}

	// Exhaustion never terminates the job: it waits for an operator.
	if loaded.Status != job.StatusRunning {
		t.Errorf("status = %s, want RUNNING", loaded.Status)
	}

	// Re-soliciting an exhausted participant is a no-op.
	sol.Solicit(context.Background(), loaded)
	sol.Wait()

	if got := transport.callCount("A"); got != 6 {
		t.Errorf("exhausted participant re-solicited: %d calls", got)
	}
}

func TestBackoffDelayIncreases(t *testing.T) {
	sol := NewSolicitor(nil, nil, nil, SolicitorConfig{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  1.6,
		JitterMax:   0,
		MaxAttempts: 6,
	})

	var prev time.Duration

	for attempt := 1; attempt <= 5; attempt++ {
		delay := sol.backoffDelay(attempt)

		if delay <= prev {
			t.Errorf("delay after attempt %d (%v) not greater than previous (%v)", attempt, delay, prev)
		}

		prev = delay
	}

	if got := sol.backoffDelay(1); got != 500*time.Millisecond {
		t.Errorf("first delay = %v, want 500ms", got)
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	sol := NewSolicitor(nil, nil, nil, SolicitorConfig{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  1.6,
		JitterMax:   200 * time.Millisecond,
		MaxAttempts: 6,
	})

	for i := 0; i < 100; i++ {
		delay := sol.backoffDelay(1)

		if delay < 500*time.Millisecond || delay >= 700*time.Millisecond {
			t.Fatalf("jittered delay %v outside [500ms, 700ms)", delay)
		}
	}
}

func TestSolicitDeliversVote(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	j, err := store.Create("job-1", "bundle-1", 2, 2, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sig := bytes.Repeat([]byte{0x01}, voteSignatureSize)

	// A fails once then votes; B votes immediately.
	transport := newFakeTransport(func(participant string, call int) ([]byte, error) {
		if participant == "A" && call == 1 {
			return nil, fmt.Errorf("timeout")
		}

		return EncodeVoteResponse(&VoteResponse{Affirmative: true, Signature: sig}), nil
	})

	sol := NewSolicitor(store, &recordingSink{store: store}, transport, fastConfig())
	sol.Solicit(context.Background(), j)
	sol.Wait()

	loaded, err := store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(loaded.Votes) != 2 {
		t.Fatalf("votes = %d, want 2", len(loaded.Votes))
	}

	if !loaded.Votes["A"].Affirmative || !bytes.Equal(loaded.Votes["A"].Signature, sig) {
		t.Errorf("vote from A = %+v", loaded.Votes["A"])
	}

	// A's single failure is recorded; B never failed.
	if loaded.Retry["A"] == nil || loaded.Retry["A"].Attempts != 1 {
		t.Errorf("retry state for A = %+v, want 1 attempt", loaded.Retry["A"])
	}

	if loaded.Retry["B"] != nil && loaded.Retry["B"].Attempts != 0 {
		t.Errorf("retry state for B = %+v, want none", loaded.Retry["B"])
	}
}

func TestSolicitSkipsVotedParticipants(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := store.Create("job-1", "bundle-1", 2, 2, []string{"A", "B"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	j, err := store.Update("job-1", func(j *job.Job) error {
		j.Votes["A"] = job.Vote{ParticipantID: "A", Affirmative: true}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	transport := newFakeTransport(func(participant string, _ int) ([]byte, error) {
		return EncodeVoteResponse(&VoteResponse{
			Affirmative: true,
			Signature:   make([]byte, voteSignatureSize),
		}), nil
	})

	sol := NewSolicitor(store, &recordingSink{store: store}, transport, fastConfig())
	sol.Solicit(context.Background(), j)
	sol.Wait()

	if got := transport.callCount("A"); got != 0 {
		t.Errorf("already-voted participant solicited %d times", got)
	}

	if got := transport.callCount("B"); got != 1 {
		t.Errorf("unvoted participant solicited %d times, want 1", got)
	}
}

func TestSolicitDiscardsVoteForTerminalJob(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	j, err := store.Create("job-1", "bundle-1", 1, 1, []string{"A"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Cancel the job before the (slow) response arrives.
	canceled := make(chan struct{})

	transport := newFakeTransport(func(string, int) ([]byte, error) {
		<-canceled

		return EncodeVoteResponse(&VoteResponse{
			Affirmative: true,
			Signature:   make([]byte, voteSignatureSize),
		}), nil
	})

	sol := NewSolicitor(store, &recordingSink{store: store}, transport, fastConfig())
	sol.Solicit(context.Background(), j)

	_, err = store.Update("job-1", func(j *job.Job) error {
		j.Status = job.StatusCanceled
		j.CanceledAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	close(canceled)

	sol.Wait()

	loaded, err := store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(loaded.Votes) != 0 {
		t.Errorf("vote recorded against a canceled job: %+v", loaded.Votes)
	}
}

func TestCloseInterruptsBackoff(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	j, err := store.Create("job-1", "bundle-1", 1, 1, []string{"A"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	transport := newFakeTransport(func(string, int) ([]byte, error) {
		return nil, fmt.Errorf("unreachable")
	})

	// An hour of backoff: only Close can end the loop promptly.
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour

	sol := NewSolicitor(store, &recordingSink{store: store}, transport, cfg)
	sol.Solicit(context.Background(), j)

	// Wait for the first attempt so the loop is parked in its backoff.
	for i := 0; transport.callCount("A") == 0 && i < 1000; i++ {
		time.Sleep(time.Millisecond)
	}

	if transport.callCount("A") == 0 {
		t.Fatal("no attempt recorded")
	}

	done := make(chan struct{})
	go func() {
		sol.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not interrupt the pending backoff")
	}

	loaded, err := store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Interruption keeps recorded progress and never touches the job.
	rs := loaded.Retry["A"]
	if rs == nil || rs.Attempts != 1 || rs.Exhausted {
		t.Errorf("retry state after close = %+v, want 1 attempt, not exhausted", rs)
	}

	if loaded.Status != job.StatusRunning {
		t.Errorf("status after close = %s, want RUNNING", loaded.Status)
	}

	// Soliciting after Close is a no-op.
	sol.Solicit(context.Background(), loaded)
	sol.Wait()

	if got := transport.callCount("A"); got != 1 {
		t.Errorf("closed solicitor made %d calls, want 1", got)
	}
}

func TestResumeContinuesPersistedCounters(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	if _, err := store.Create("job-1", "bundle-1", 1, 1, []string{"A"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate a pre-restart record with 4 attempts already spent.
	j, err := store.Update("job-1", func(j *job.Job) error {
		j.Retry["A"] = &job.RetryState{Attempts: 4, LastError: "timeout"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	transport := newFakeTransport(func(string, int) ([]byte, error) {
		return nil, fmt.Errorf("still down")
	})

	sol := NewSolicitor(store, &recordingSink{store: store}, transport, fastConfig())
	sol.Solicit(context.Background(), j)
	sol.Wait()

	// Only the remaining 2 of 6 attempts may be spent.
	if got := transport.callCount("A"); got != 2 {
		t.Errorf("transport called %d times after resume, want 2", got)
	}

	loaded, err := store.Load("job-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if rs := loaded.Retry["A"]; rs == nil || rs.Attempts != 6 || !rs.Exhausted {
		t.Errorf("retry state after resume = %+v, want 6 attempts exhausted", loaded.Retry["A"])
	}
}
