package job

import (
	"testing"
	"time"
)

func newTestJob(t *testing.T) *Job {
	t.Helper()

	j, err := New("job-1", "bundle-1", 2, 3, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return j
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name         string
		k, n         int
		participants []string
		wantErr      bool
	}{
		{"valid", 2, 3, []string{"A", "B", "C"}, false},
		{"k zero", 0, 3, []string{"A", "B", "C"}, true},
		{"k above n", 4, 3, []string{"A", "B", "C"}, true},
		{"k equals n", 3, 3, []string{"A", "B", "C"}, false},
		{"no participants", 1, 1, nil, true},
		{"duplicate participant", 1, 2, []string{"A", "A"}, true},
		{"empty participant", 1, 2, []string{"A", ""}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("id", "ref", tc.k, tc.n, tc.participants)
			if (err != nil) != tc.wantErr {
				t.Errorf("New(k=%d, n=%d) error = %v, wantErr %v", tc.k, tc.n, err, tc.wantErr)
			}
		})
	}
}

func TestQuorumMet(t *testing.T) {
	j := newTestJob(t)

	if j.QuorumMet() {
		t.Error("empty job reports quorum met")
	}

	j.Votes["A"] = Vote{ParticipantID: "A", Affirmative: true}
	j.Votes["B"] = Vote{ParticipantID: "B", Affirmative: false}

	if j.QuorumMet() {
		t.Error("quorum met with 1 affirmative of k=2")
	}

	j.Votes["C"] = Vote{ParticipantID: "C", Affirmative: true}

	if !j.QuorumMet() {
		t.Error("quorum not met with 2 affirmative of k=2")
	}

	if got := j.AffirmativeCount(); got != 2 {
		t.Errorf("AffirmativeCount = %d, want 2", got)
	}
}

func TestAffirmativeParticipantsSorted(t *testing.T) {
	j := newTestJob(t)
	j.Votes["C"] = Vote{ParticipantID: "C", Affirmative: true}
	j.Votes["A"] = Vote{ParticipantID: "A", Affirmative: true}
	j.Votes["B"] = Vote{ParticipantID: "B", Affirmative: false}

	got := j.AffirmativeParticipants()
	want := []string{"A", "C"}

	if len(got) != len(want) {
		t.Fatalf("AffirmativeParticipants = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AffirmativeParticipants[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStalled(t *testing.T) {
	j := newTestJob(t)

	if j.Stalled() {
		t.Error("fresh job reports stalled")
	}

	// A voted, B and C exhausted: nothing can progress.
	j.Votes["A"] = Vote{ParticipantID: "A", Affirmative: true}
	j.Retry["B"] = &RetryState{Attempts: 6, Exhausted: true, LastError: "timeout"}
	j.Retry["C"] = &RetryState{Attempts: 6, Exhausted: true, LastError: "timeout"}

	if !j.Stalled() {
		t.Error("job with all unvoted participants exhausted not reported stalled")
	}

	j.Status = StatusCanceled

	if j.Stalled() {
		t.Error("terminal job reports stalled")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	j := newTestJob(t)
	j.Votes["A"] = Vote{
		ParticipantID: "A",
		Affirmative:   true,
		Signature:     []byte{0x01, 0x02},
		ReceivedAt:    time.Now().UTC(),
	}
	j.Retry["B"] = &RetryState{Attempts: 3, LastError: "timeout", NextRetryAt: time.Now().UTC()}
	j.Resumed = true

	data, err := Encode(j)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.ID != j.ID || got.Status != j.Status || got.QuorumK != j.QuorumK {
		t.Errorf("decoded job differs: got %+v", got)
	}

	if got.Votes["A"].ParticipantID != "A" || !got.Votes["A"].Affirmative {
		t.Errorf("decoded vote differs: %+v", got.Votes["A"])
	}

	if got.Retry["B"].Attempts != 3 {
		t.Errorf("decoded retry attempts = %d, want 3", got.Retry["B"].Attempts)
	}

	// Resumed is diagnostic only and must not survive serialization.
	if got.Resumed {
		t.Error("Resumed flag was persisted")
	}
}

func TestCloneIsolation(t *testing.T) {
	j := newTestJob(t)
	j.Votes["A"] = Vote{ParticipantID: "A", Affirmative: true, Signature: []byte{0x01}}
	j.Retry["B"] = &RetryState{Attempts: 2}

	c := j.Clone()
	c.Votes["A"] = Vote{ParticipantID: "A", Affirmative: false}
	c.Retry["B"].Attempts = 9
	c.Participants[0] = "Z"

	if !j.Votes["A"].Affirmative {
		t.Error("mutating clone vote affected original")
	}

	if j.Retry["B"].Attempts != 2 {
		t.Error("mutating clone retry state affected original")
	}

	if j.Participants[0] != "A" {
		t.Error("mutating clone participants affected original")
	}
}
