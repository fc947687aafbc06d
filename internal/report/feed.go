// Package report is the read side of the engine: metrics derived from
// the job store and a push feed of job-state snapshots.
package report

import (
	"sync"

	"VeriMesh/internal/job"
	"VeriMesh/internal/logger"
)

const (
	// subscriberBuffer is the per-subscriber channel capacity.
	subscriberBuffer = 64
)

// Snapshot is one job-state notification pushed on every transition.
type Snapshot struct {
	Job     *job.Job `json:"job"`     // Job is a copy of the record after the transition
	Resumed bool     `json:"resumed"` // Resumed marks snapshots emitted by the recovery coordinator
}

// Feed broadcasts job-state snapshots to subscribers.
// A slow subscriber never blocks a publisher: snapshots it cannot keep
// up with are dropped for that subscriber only.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Snapshot]struct{})}
}

// Subscribe registers a new subscriber and returns its channel.
func (f *Feed) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, subscriberBuffer)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (f *Feed) Unsubscribe(ch chan Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}

// Publish pushes a snapshot of the job to all subscribers.
// The job is cloned so subscribers can never observe later mutations.
func (f *Feed) Publish(j *job.Job) {
	snap := Snapshot{Job: j.Clone(), Resumed: j.Resumed}

	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		select {
		case ch <- snap:
		default:
			logger.Debug("dropping feed snapshot for slow subscriber", "job", j.ID)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.subs)
}
