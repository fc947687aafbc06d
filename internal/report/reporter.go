package report

import (
	"time"

	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
)

// Metrics is the aggregate view over all persisted jobs.
type Metrics struct {
	RunningCount        int           `json:"running_count"`
	FinalizedCount      int           `json:"finalized_count"`
	CanceledCount       int           `json:"canceled_count"`
	StalledRunningCount int           `json:"stalled_running_count"` // RUNNING jobs that cannot progress without an operator
	TotalRetries        int           `json:"total_retries"`
	TotalErrors         int           `json:"total_errors"`
	AvgTimeToQuorum     time.Duration `json:"avg_time_to_quorum_ns"`
}

// Reporter derives metrics from the job store. It holds no state of its
// own; every call re-reads the store.
type Reporter struct {
	store *jobstore.Store
}

// NewReporter creates a Reporter over the given store.
func NewReporter(store *jobstore.Store) *Reporter {
	return &Reporter{store: store}
}

// Metrics computes the aggregate view.
//
// AvgTimeToQuorum averages finalized_at - started_at over FINALIZED jobs
// that carry a finalization timestamp; jobs without one are excluded,
// never counted as zero.
func (r *Reporter) Metrics() (*Metrics, error) {
	jobs, err := r.store.ListAll()
	if err != nil {
		return nil, err
	}

	m := &Metrics{}

	var (
		quorumTotal time.Duration
		quorumCount int
	)

	for _, j := range jobs {
		switch j.Status {
		case job.StatusRunning:
			m.RunningCount++
			if j.Stalled() {
				m.StalledRunningCount++
			}
		case job.StatusFinalized:
			m.FinalizedCount++
			if !j.FinalizedAt.IsZero() {
				quorumTotal += j.FinalizedAt.Sub(j.StartedAt)
				quorumCount++
			}
		case job.StatusCanceled:
			m.CanceledCount++
		}

		m.TotalRetries += j.TotalRetries()
		m.TotalErrors += j.TotalErrors()
	}

	if quorumCount > 0 {
		m.AvgTimeToQuorum = quorumTotal / time.Duration(quorumCount)
	}

	return m, nil
}

// Stalled returns the RUNNING jobs that cannot progress without an
// operator. Used by the node's prune loop to log staleness warnings.
func (r *Reporter) Stalled() ([]*job.Job, error) {
	jobs, err := r.store.ListRunning()
	if err != nil {
		return nil, err
	}

	var stalled []*job.Job

	for _, j := range jobs {
		if j.Stalled() {
			stalled = append(stalled, j)
		}
	}

	return stalled, nil
}
