// Package admin implements the operator override surface: canceling a
// running job and forcing finalization of a job that already holds
// quorum. Every override is authorized first and leaves an audit trail
// naming the acting operator.
package admin

import (
	"errors"
	"fmt"
	"time"

	"VeriMesh/internal/aggregation"
	"VeriMesh/internal/audit"
	"VeriMesh/internal/job"
	"VeriMesh/internal/jobstore"
	"VeriMesh/internal/logger"
	"VeriMesh/internal/report"
)

// Override actions passed to the Authorizer.
const (
	ActionCancel        = "cancel"
	ActionForceFinalize = "force_finalize"
)

// ErrUnauthorized is returned when the authorizer denies an override.
var ErrUnauthorized = errors.New("actor not authorized")

// Authorizer decides whether an actor may perform an override action.
// A nil error with ok=false is a plain denial; any error is treated as
// a denial too — authorization fails closed.
type Authorizer interface {
	Authorize(actor, action, jobID string) (bool, error)
}

// AllowList authorizes a fixed set of actors for every action.
type AllowList map[string]bool

// Authorize implements Authorizer.
func (l AllowList) Authorize(actor, _, _ string) (bool, error) {
	return l[actor], nil
}

// Control is the operator override entry point.
type Control struct {
	store *jobstore.Store         // store is the job write path for cancellation
	auth  Authorizer              // auth gates every override
	agg   *aggregation.Aggregator // agg owns the forced finalization path
	sink  audit.Sink              // sink receives override audit events
	feed  *report.Feed            // feed broadcasts the resulting transitions
}

// New creates a Control.
func New(store *jobstore.Store, auth Authorizer, agg *aggregation.Aggregator, sink audit.Sink, feed *report.Feed) *Control {
	return &Control{
		store: store,
		auth:  auth,
		agg:   agg,
		sink:  sink,
		feed:  feed,
	}
}

// Cancel terminates a RUNNING job. The recorded votes are preserved for
// audit; only the status and the cancellation stamp change. Terminal
// jobs are rejected with job.ErrJobNotRunning — cancellation never
// reopens or double-terminates anything.
func (c *Control) Cancel(jobID, actor, reason string) (*job.Job, error) {
	if err := c.authorize(actor, ActionCancel, jobID); err != nil {
		return nil, err
	}

	updated, err := c.store.Update(jobID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return job.ErrJobNotRunning
		}

		j.Status = job.StatusCanceled
		j.CanceledAt = time.Now().UTC()
		j.CancelReason = reason
		j.CancelActor = actor

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.sink.Append(jobID, audit.EventCanceled, map[string]any{
		"actor":  actor,
		"reason": reason,
		"votes":  len(updated.Votes),
	}); err != nil {
		logger.Error("audit cancellation", "job", jobID, "error", err)
	}

	c.feed.Publish(updated)

	logger.Info("job canceled", "job", jobID, "actor", actor, "reason", reason)

	return updated, nil
}

// ForceFinalize finalizes a RUNNING job that already meets the quorum
// condition, tagging the verdict with the forcing actor. A job short of
// quorum is rejected with job.ErrQuorumNotMet: forcing skips waiting,
// never the quorum check itself.
func (c *Control) ForceFinalize(jobID, actor string) (*job.Job, error) {
	if err := c.authorize(actor, ActionForceFinalize, jobID); err != nil {
		return nil, err
	}

	return c.agg.ForceFinalize(jobID, actor)
}

// authorize runs the fail-closed authorization check.
func (c *Control) authorize(actor, action, jobID string) error {
	if c.auth == nil {
		return fmt.Errorf("%w: no authorizer configured", ErrUnauthorized)
	}

	ok, err := c.auth.Authorize(actor, action, jobID)
	if err != nil {
		logger.Warn("authorization check failed", "actor", actor, "action", action, "job", jobID, "error", err)
		return fmt.Errorf("authorize %s:\n%w", action, err)
	}

	if !ok {
		logger.Warn("override denied", "actor", actor, "action", action, "job", jobID)
		return fmt.Errorf("%w: %s may not %s job %s", ErrUnauthorized, actor, action, jobID)
	}

	return nil
}
