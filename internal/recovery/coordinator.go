// Package recovery rehydrates in-flight jobs after a process restart.
// Jobs left RUNNING resume solicitation from their persisted retry
// counters; recorded votes are never re-issued or duplicated.
package recovery

import (
	"context"

	"VeriMesh/internal/audit"
	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/logger"
	"VeriMesh/internal/mesh"
	"VeriMesh/internal/report"
)

// Coordinator resumes in-flight jobs at startup.
type Coordinator struct {
	store     *jobstore.Store // store holds the durable job records
	solicitor *mesh.Solicitor // solicitor restarts vote collection
	sink      audit.Sink      // sink receives resumption audit events
	feed      *report.Feed    // feed broadcasts resumption notices
}

// New creates a Coordinator.
func New(store *jobstore.Store, solicitor *mesh.Solicitor, sink audit.Sink, feed *report.Feed) *Coordinator {
	return &Coordinator{
		store:     store,
		solicitor: solicitor,
		sink:      sink,
		feed:      feed,
	}
}

// ResumeInflight rehydrates every RUNNING job: the in-memory record is
// marked resumed, a resumption notice goes out on the feed and the audit
// log, and the solicitor re-registers the job as if it had just been
// created — minus participants who already voted or exhausted their
// attempts. Resumption alone never finalizes anything; that still takes
// actual quorum evaluation on a subsequent vote.
func (c *Coordinator) ResumeInflight(ctx context.Context) ([]*job.Job, error) {
	running, err := c.store.ListRunning()
	if err != nil {
		return nil, err
	}

	for _, j := range running {
		j.Resumed = true

		logger.Info("resuming job",
			"job", j.ID,
			"votes", len(j.Votes),
			"affirmative", j.AffirmativeCount(),
			"quorum_k", j.QuorumK,
			"retries", j.TotalRetries(),
		)

		if err := c.sink.Append(j.ID, audit.EventResumed, map[string]any{
			"votes":   len(j.Votes),
			"retries": j.TotalRetries(),
		}); err != nil {
			logger.Error("audit resumption", "job", j.ID, "error", err)
		}

		c.feed.Publish(j)

		c.solicitor.Solicit(ctx, j)
	}

	if len(running) > 0 {
		logger.Info("recovery complete", "resumed", len(running))
	}

	return running, nil
}
